package categorize

import "strings"

// taxonomy is the fixed category list. The first alias of each entry is its label;
// a category vector always has one component per entry, in this order.
var taxonomy = [][]string{
	{"politic", "politics", "election"},
	{"technology", "tech", "technical", "blockchain"},
	{"art", "painting", "drawing", "sketch"},
	{"animal", "pet"},
	{"music"},
	{"travel"},
	{"fashion", "style", "mode", "clothes"},
	{"gaming", "game", "splinterlands"},
	{"purpose"},
	{"food", "eat", "meat", "vegetarian", "vegetable", "vegan", "recipe"},
	{"wisdom"},
	{"comedy", "funny", "joke"},
	{"crypto"},
	{"sports", "sport", "training", "train", "football", "soccer", "tennis", "golf", "yoga", "fitness"},
	{"beauty", "makeup"},
	{"business", "industry"},
	{"lifestyle", "life"},
	{"nature"},
	{"tutorial", "tut", "diy", "do-it-yourself", "selfmade", "craft", "build-it", "diyhub"},
	{"photography", "photo", "photos"},
	{"story"},
	{"news", "announcement", "announcements"},
	{"covid-19", "coronavirus", "corona", "quarantine"},
	{"health", "mentalhealth", "health-care"},
	{"development", "dev", "coding", "code"},
	{"computer", "pc"},
	{"education", "school", "knowledge", "learning"},
	{"introduceyourself", "first"},
	{"science", "sci", "biology", "math", "bio", "mechanic", "mechanics", "physics"},
	{"film", "movie"},
	{"challenge", "contest"},
	{"gardening", "garden"},
	{"history", "hist", "past", "ancient"},
	{"society"},
	{"media"},
	{"economy", "economic", "economics", "market", "marketplace"},
	{"future", "thoughts"},
	{"psychology", "psycho", "psych"},
	{"family", "fam"},
	{"finance", "money", "investing", "investement"},
	{"work", "working", "job"},
	{"philosophy"},
	{"culture"},
	{"trading", "stock", "stocks", "stockmarket"},
	{"motivation", "motivate"},
	{"statistics", "stats", "stat", "charts"},
}

var (
	labels  []string
	aliasOf = map[string]int{}
)

func init() {
	labels = make([]string, len(taxonomy))
	for i, aliases := range taxonomy {
		labels[i] = aliases[0]
		for _, a := range aliases {
			aliasOf[a] = i
		}
	}
}

// Labels returns the category labels in vector order.
func Labels() []string {
	return append([]string(nil), labels...)
}

// Dimensions is the length of every category vector.
func Dimensions() int { return len(taxonomy) }

// Lookup maps a keyword or alias to its category index.
func Lookup(word string) (int, bool) {
	i, ok := aliasOf[strings.ToLower(word)]
	return i, ok
}
