package ingest_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivediscover/backend/features/account"
	"hivediscover/backend/features/content"
	"hivediscover/backend/internal/batch"
	"hivediscover/backend/internal/chain"
	"hivediscover/backend/internal/ids"
	"hivediscover/backend/internal/ingest"
	"hivediscover/backend/internal/testutils"
)

func rawOp(t *testing.T, typ string, v any) chain.Operation {
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return chain.Operation{Type: typ, Value: raw}
}

func TestIngestion_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()
	alloc := ids.NewAllocator(ids.NewPostgresRegistry(s.DB), 20, 2_147_483_647)
	contentSvc := content.NewService(content.NewPostgresRepo(s.DB), alloc, nil, nil, nil, content.Rules{
		MinWords:    3,
		MaxAge:      100 * 24 * time.Hour,
		BannedWords: []string{"nsfw"},
	})
	accountSvc := account.NewService(account.NewPostgresRepo(s.DB), contentSvc, alloc, nil, 0.15)
	coord := batch.NewCoordinator(batch.NewPostgresWriter(s.DB), time.Hour)
	p := ingest.NewPoller(nil, ingest.NewPostgresCheckpoints(s.DB), contentSvc, accountSvc, coord, ingest.Options{})

	now := time.Now().UTC().Truncate(time.Second)
	body := strings.Repeat("a walk along the river ", 3)
	vote := rawOp(t, chain.OpVote, chain.VoteOp{Voter: "alice", Author: "bob", Permlink: "p"})
	post := rawOp(t, chain.OpComment, chain.CommentOp{Author: "bob", Permlink: "p", Title: "River", Body: body, JSONMetadata: `{"tags":["nature"]}`})

	votesOf := func() []int64 {
		var votes []int64
		err := s.DB.QueryRowContext(ctx, `SELECT d.votes FROM content_data d JOIN content_info i ON i.id = d.id WHERE i.author = 'bob' AND i.permlink = 'p'`).
			Scan(pq.Array(&votes))
		require.NoError(t, err)
		return votes
	}

	// Block N: vote on content that does not exist yet.
	require.NoError(t, p.Process(ctx, []chain.Block{{Num: 1, Timestamp: now, Operations: []chain.Operation{vote}}}))
	var n int
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_info`).Scan(&n))
	assert.Zero(t, n)

	// Block N+1: the content is created.
	require.NoError(t, p.Process(ctx, []chain.Block{{Num: 2, Timestamp: now, Operations: []chain.Operation{post}}}))
	assert.Empty(t, votesOf())

	// Block N+2: the vote lands, and replaying it changes nothing.
	block3 := []chain.Block{{Num: 3, Timestamp: now, Operations: []chain.Operation{vote}}}
	require.NoError(t, p.Process(ctx, block3))
	require.NoError(t, p.Process(ctx, block3))

	alice, err := accountSvc.Resolve(ctx, account.ByName("alice"))
	require.NoError(t, err)
	assert.Equal(t, []int64{alice.ID}, votesOf())

	// Every Info row has its Data and Text rows.
	var orphans int
	require.NoError(t, s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_info i
		LEFT JOIN content_data d ON d.id = i.id LEFT JOIN content_text t ON t.id = i.id
		WHERE d.id IS NULL OR t.id IS NULL`).Scan(&orphans))
	assert.Zero(t, orphans)
}
