package chain_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivediscover/backend/internal/chain"
)

type rpcCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// mockNode answers JSON-RPC calls with the result returned by handler.
func mockNode(t *testing.T, handler func(call rpcCall) (any, *int)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		result, errCode := handler(call)
		w.Header().Set("Content-Type", "application/json")
		if errCode != nil {
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "error": map[string]any{"code": *errCode, "message": "boom"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
	}))
}

func newClient(url string) *chain.Client {
	return chain.NewFactory([]string{url}, chain.Options{Timeout: 5 * time.Second}).New()
}

func TestClient_HeadBlockNum(t *testing.T) {
	ts := mockNode(t, func(call rpcCall) (any, *int) {
		assert.Equal(t, "condenser_api.get_dynamic_global_properties", call.Method)
		return map[string]any{"head_block_number": 55_000_123}, nil
	})
	defer ts.Close()

	head, err := newClient(ts.URL).HeadBlockNum(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(55_000_123), head)
}

func TestClient_Blocks(t *testing.T) {
	ts := mockNode(t, func(call rpcCall) (any, *int) {
		assert.Equal(t, "block_api.get_block_range", call.Method)
		var params map[string]int64
		require.NoError(t, json.Unmarshal(call.Params, &params))
		assert.Equal(t, int64(100), params["starting_block_num"])
		assert.Equal(t, int64(2), params["count"])
		return map[string]any{"blocks": []any{
			map[string]any{
				"timestamp": "2024-05-01T10:00:00",
				"transactions": []any{
					map[string]any{"operations": []any{
						map[string]any{"type": "vote_operation", "value": map[string]any{"voter": "bob", "author": "alice", "permlink": "p1", "weight": 10000}},
					}},
				},
			},
			map[string]any{"timestamp": "2024-05-01T10:00:03", "transactions": []any{}},
		}}, nil
	})
	defer ts.Close()

	blocks, err := newClient(ts.URL).Blocks(context.Background(), 100, 2)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, int64(100), blocks[0].Num)
	assert.Equal(t, int64(101), blocks[1].Num)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), blocks[0].Timestamp)
	require.Len(t, blocks[0].Operations, 1)

	var vote chain.VoteOp
	require.NoError(t, blocks[0].Operations[0].Decode(&vote))
	assert.Equal(t, chain.VoteOp{Voter: "bob", Author: "alice", Permlink: "p1", Weight: 10000}, vote)
}

func TestClient_AccountProfile(t *testing.T) {
	t.Run("posting metadata wins", func(t *testing.T) {
		ts := mockNode(t, func(call rpcCall) (any, *int) {
			return []any{map[string]any{
				"name":                  "alice",
				"json_metadata":         `{"profile":{"name":"Old","about":"old"}}`,
				"posting_json_metadata": `{"profile":{"name":"Alice","about":"Photographer","location":"Berlin"}}`,
			}}, nil
		})
		defer ts.Close()

		p, err := newClient(ts.URL).AccountProfile(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, chain.Profile{Name: "Alice", About: "Photographer", Location: "Berlin"}, p)
	})

	t.Run("not found", func(t *testing.T) {
		ts := mockNode(t, func(call rpcCall) (any, *int) { return []any{}, nil })
		defer ts.Close()

		_, err := newClient(ts.URL).AccountProfile(context.Background(), "ghost")
		assert.ErrorIs(t, err, chain.ErrNotFound)

		exists, err := newClient(ts.URL).AccountExists(context.Background(), "ghost")
		assert.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("malformed metadata is an empty profile", func(t *testing.T) {
		ts := mockNode(t, func(call rpcCall) (any, *int) {
			return []any{map[string]any{"name": "bob", "json_metadata": "{not json", "posting_json_metadata": ""}}, nil
		})
		defer ts.Close()

		p, err := newClient(ts.URL).AccountProfile(context.Background(), "bob")
		require.NoError(t, err)
		assert.Equal(t, chain.Profile{}, p)
	})
}

func TestClient_Content(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		ts := mockNode(t, func(call rpcCall) (any, *int) {
			assert.Equal(t, "condenser_api.get_content", call.Method)
			return map[string]any{
				"author": "alice", "permlink": "p1", "parent_author": "", "title": "Hello",
				"body": "Body", "json_metadata": `{"tags":["travel","photo"]}`, "category": "travel",
				"created": "2024-05-01T10:00:00",
			}, nil
		})
		defer ts.Close()

		c, err := newClient(ts.URL).Content(context.Background(), "alice", "p1")
		require.NoError(t, err)
		assert.Equal(t, "Hello", c.Title)
		assert.Equal(t, []string{"travel", "photo"}, c.Tags)
		assert.Equal(t, 2024, c.Created.Year())
	})

	t.Run("missing content has an empty author", func(t *testing.T) {
		ts := mockNode(t, func(call rpcCall) (any, *int) {
			return map[string]any{"author": "", "permlink": ""}, nil
		})
		defer ts.Close()

		_, err := newClient(ts.URL).Content(context.Background(), "alice", "gone")
		assert.True(t, errors.Is(err, chain.ErrNotFound))
	})
}

func TestClient_AccountHistory(t *testing.T) {
	ts := mockNode(t, func(call rpcCall) (any, *int) {
		assert.Equal(t, "condenser_api.get_account_history", call.Method)
		var params []any
		require.NoError(t, json.Unmarshal(call.Params, &params))
		assert.Equal(t, "alice", params[0])
		assert.Equal(t, float64(-1), params[1])
		assert.Equal(t, float64(3), params[3])
		return []any{
			[]any{41, map[string]any{"timestamp": "2024-05-01T10:00:00", "op": []any{"vote", map[string]any{"voter": "alice", "author": "bob", "permlink": "x"}}}},
			[]any{42, map[string]any{"timestamp": "2024-05-02T10:00:00", "op": []any{"comment", map[string]any{"author": "alice", "permlink": "y"}}}},
		}, nil
	})
	defer ts.Close()

	entries, err := newClient(ts.URL).AccountHistory(context.Background(), "alice", -1, 1000)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(41), entries[0].Index)
	assert.Equal(t, chain.OpVote, entries[0].Type)
	assert.Equal(t, chain.OpComment, entries[1].Type)
}

func TestClient_RPCErrorAndBreaker(t *testing.T) {
	var hits atomic.Int32
	ts := mockNode(t, func(call rpcCall) (any, *int) {
		hits.Add(1)
		code := -32000
		return nil, &code
	})
	defer ts.Close()

	f := chain.NewFactory([]string{ts.URL}, chain.Options{Timeout: time.Second, BreakerFailures: 2, BreakerTimeout: time.Minute})
	c := f.New()

	for i := 0; i < 4; i++ {
		_, err := c.HeadBlockNum(context.Background())
		assert.Error(t, err)
	}
	assert.Equal(t, int32(2), hits.Load(), "breaker should stop calls after two consecutive failures")
}

func TestFactory_RotatesNodes(t *testing.T) {
	f := chain.NewFactory([]string{"http://a", "http://b"}, chain.Options{})
	assert.Equal(t, "http://a", f.New().Node())
	assert.Equal(t, "http://b", f.New().Node())
	assert.Equal(t, "http://a", f.New().Node())
}

func TestParseTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, chain.ParseTags(`{"tags":["a","b"]}`))
	assert.Equal(t, []string{"a", "b"}, chain.ParseTags(`{"tags":"a b"}`))
	assert.Nil(t, chain.ParseTags(`{"tags":5}`))
	assert.Nil(t, chain.ParseTags(`garbage`))
}

func TestParseProfile(t *testing.T) {
	p, ok := chain.ParseProfile(`{"profile":{"name":"Al","about":"hi","location":42}}`)
	assert.True(t, ok)
	assert.Equal(t, chain.Profile{Name: "Al", About: "hi"}, p)

	_, ok = chain.ParseProfile(`{"profile":"nope"}`)
	assert.False(t, ok)
}
