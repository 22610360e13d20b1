package chain

import (
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned when the chain has no record of an account or content item.
var ErrNotFound = errors.New("not found on chain")

// TimeLayout is the timestamp format used by the chain APIs (UTC, no zone suffix).
const TimeLayout = "2006-01-02T15:04:05"

const (
	OpVote           = "vote_operation"
	OpComment        = "comment_operation"
	OpAccountUpdate  = "account_update_operation"
	OpAccountUpdate2 = "account_update2_operation"
)

type Operation struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type Block struct {
	Num        int64
	Timestamp  time.Time
	Operations []Operation
}

type VoteOp struct {
	Voter    string `json:"voter"`
	Author   string `json:"author"`
	Permlink string `json:"permlink"`
	Weight   int64  `json:"weight"`
}

type CommentOp struct {
	ParentAuthor   string `json:"parent_author"`
	ParentPermlink string `json:"parent_permlink"`
	Author         string `json:"author"`
	Permlink       string `json:"permlink"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	JSONMetadata   string `json:"json_metadata"`
}

// TopLevel reports whether the comment is a post rather than a reply.
func (c CommentOp) TopLevel() bool { return c.ParentAuthor == "" }

type AccountUpdateOp struct {
	Account             string `json:"account"`
	JSONMetadata        string `json:"json_metadata"`
	PostingJSONMetadata string `json:"posting_json_metadata"`
}

// Content is a post as returned by get_content.
type Content struct {
	Author       string
	Permlink     string
	ParentAuthor string
	Title        string
	Body         string
	Tags         []string
	Created      time.Time
}

// Profile is the subset of account metadata the system keeps.
type Profile struct {
	Name     string `json:"display_name"`
	About    string `json:"about"`
	Location string `json:"location"`
}

// HistoryEntry is one item of an account's operation history.
type HistoryEntry struct {
	Index     int64
	Timestamp time.Time
	Type      string
	Value     json.RawMessage
}

// Decode unmarshals the operation payload into out.
func (o Operation) Decode(out any) error {
	return json.Unmarshal(o.Value, out)
}

// ParseTime parses a chain timestamp; an empty or malformed value yields the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(TimeLayout, strings.TrimSuffix(s, "Z"))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// ParseProfile extracts {name, about, location} from account json metadata.
// Malformed or absent metadata reports ok=false.
func ParseProfile(metadata string) (Profile, bool) {
	if strings.TrimSpace(metadata) == "" {
		return Profile{}, false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(metadata), &doc); err != nil {
		return Profile{}, false
	}
	raw, ok := doc["profile"].(map[string]any)
	if !ok {
		return Profile{}, false
	}
	str := func(k string) string {
		v, _ := raw[k].(string)
		return strings.TrimSpace(v)
	}
	return Profile{Name: str("name"), About: str("about"), Location: str("location")}, true
}

// ParseTags reads the tag list from post json metadata. Tags may be a list or a
// space separated string; anything else yields no tags.
func ParseTags(metadata string) []string {
	if strings.TrimSpace(metadata) == "" {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(metadata), &doc); err != nil {
		return nil
	}
	switch v := doc["tags"].(type) {
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		return strings.Fields(v)
	}
	return nil
}
