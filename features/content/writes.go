package content

import "hivediscover/backend/internal/batch"

// QueueVotes is the coordinator queue for deferred content_data mutations.
const QueueVotes = "content_data"

const voteQuery = `UPDATE content_data d SET votes = array_append(d.votes, a.id), updated_at = NOW()
	FROM content_info i, accounts a
	WHERE d.id = i.id AND i.author = $1 AND i.permlink = $2 AND a.name = $3
	AND NOT (a.id = ANY(d.votes))`

// VoteOp adds the voter's account id to the vote set of (author, permlink). It
// matches nothing when the content or the voter is not stored.
func VoteOp(author, permlink, voter string) batch.Op {
	return batch.Op{Query: voteQuery, Args: []any{author, permlink, voter}}
}
