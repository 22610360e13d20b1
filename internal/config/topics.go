package config

const (
	// TopicAccountAnalyze nudges the analyzer after analyze_requested was set.
	TopicAccountAnalyze = "account.analyze"

	// TopicAccountFeed nudges the feed generator after make_feed_requested was set.
	TopicAccountFeed = "account.feed"

	// TopicContentCategorize carries freshly inserted content ids to the categorizer.
	TopicContentCategorize = "content.categorize"
)

// Topics lists every topic that bootstrap pre-creates.
var Topics = []string{TopicAccountAnalyze, TopicAccountFeed, TopicContentCategorize}
