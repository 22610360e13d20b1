// Package chain is a small Hive JSON-RPC client covering the calls the pipeline needs.
package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"hivediscover/backend/internal/metrics"
)

// Options configures every client built by a Factory.
type Options struct {
	Timeout         time.Duration
	MinCallSpacing  time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Factory builds clients that rotate over the configured nodes. All clients share
// one rate limiter, so recreating a client never resets the call spacing.
type Factory struct {
	nodes   []string
	opts    Options
	limiter *rate.Limiter

	next     atomic.Uint64
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

func NewFactory(nodes []string, opts Options) *Factory {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.MinCallSpacing > 0 {
		limit = rate.Every(opts.MinCallSpacing)
	}
	return &Factory{
		nodes:    nodes,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

// New returns a client bound to the next node with a fresh HTTP transport.
func (f *Factory) New() *Client {
	node := f.nodes[int(f.next.Add(1)-1)%len(f.nodes)]
	return &Client{
		node:    node,
		http:    &http.Client{Timeout: f.opts.Timeout, Transport: http.DefaultTransport.(*http.Transport).Clone()},
		limiter: f.limiter,
		breaker: f.breaker(node),
	}
}

func (f *Factory) breaker(node string) *gobreaker.CircuitBreaker[[]byte] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[node]; ok {
		return cb
	}
	threshold := f.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        node,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     f.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("chain node circuit state changed", "node", name, "from", from.String(), "to", to.String())
		},
	})
	f.breakers[node] = cb
	return cb
}

type Client struct {
	node    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	reqID   atomic.Int64
}

// Node returns the RPC endpoint this client talks to.
func (c *Client) Node() string { return c.node }

// Close drops idle connections held by the client's transport.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, params)
	})
	metrics.ChainRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "breaker_open"
		}
		metrics.ChainRequestsTotal.WithLabelValues(method, outcome).Inc()
		return fmt.Errorf("%s via %s: %w", method, c.node, err)
	}
	metrics.ChainRequestsTotal.WithLabelValues(method, "ok").Inc()

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method string, params any) ([]byte, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.reqID.Add(1)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.node, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var rpc rpcResponse
	if err := json.Unmarshal(raw, &rpc); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if rpc.Error != nil {
		return nil, rpc.Error
	}
	return rpc.Result, nil
}

// HeadBlockNum returns the current head block number.
func (c *Client) HeadBlockNum(ctx context.Context) (int64, error) {
	var props struct {
		HeadBlockNumber int64 `json:"head_block_number"`
	}
	if err := c.call(ctx, "condenser_api.get_dynamic_global_properties", []any{}, &props); err != nil {
		return 0, err
	}
	return props.HeadBlockNumber, nil
}

// Blocks fetches up to count contiguous blocks starting at start. The node may
// return fewer blocks when the range reaches the head.
func (c *Client) Blocks(ctx context.Context, start int64, count int) ([]Block, error) {
	var res struct {
		Blocks []struct {
			Timestamp string `json:"timestamp"`
			Transactions []struct {
				Operations []Operation `json:"operations"`
			} `json:"transactions"`
		} `json:"blocks"`
	}
	params := map[string]any{"starting_block_num": start, "count": count}
	if err := c.call(ctx, "block_api.get_block_range", params, &res); err != nil {
		return nil, err
	}

	blocks := make([]Block, 0, len(res.Blocks))
	for i, b := range res.Blocks {
		block := Block{Num: start + int64(i), Timestamp: ParseTime(b.Timestamp)}
		for _, trx := range b.Transactions {
			block.Operations = append(block.Operations, trx.Operations...)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// AccountProfile returns the profile stored in the account's metadata. Posting
// metadata wins over the legacy json metadata. An account without a profile yields
// an empty Profile.
func (c *Client) AccountProfile(ctx context.Context, name string) (Profile, error) {
	var accounts []struct {
		Name                string `json:"name"`
		JSONMetadata        string `json:"json_metadata"`
		PostingJSONMetadata string `json:"posting_json_metadata"`
	}
	if err := c.call(ctx, "condenser_api.get_accounts", []any{[]string{name}}, &accounts); err != nil {
		return Profile{}, err
	}
	if len(accounts) == 0 || accounts[0].Name == "" {
		return Profile{}, ErrNotFound
	}
	if p, ok := ParseProfile(accounts[0].PostingJSONMetadata); ok {
		return p, nil
	}
	p, _ := ParseProfile(accounts[0].JSONMetadata)
	return p, nil
}

// AccountExists reports whether the chain knows the account.
func (c *Client) AccountExists(ctx context.Context, name string) (bool, error) {
	_, err := c.AccountProfile(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Content fetches a single post or comment.
func (c *Client) Content(ctx context.Context, author, permlink string) (Content, error) {
	var res struct {
		Author       string `json:"author"`
		Permlink     string `json:"permlink"`
		ParentAuthor string `json:"parent_author"`
		Title        string `json:"title"`
		Body         string `json:"body"`
		JSONMetadata string `json:"json_metadata"`
		Category     string `json:"category"`
		Created      string `json:"created"`
	}
	if err := c.call(ctx, "condenser_api.get_content", []any{author, permlink}, &res); err != nil {
		return Content{}, err
	}
	if res.Author == "" {
		return Content{}, ErrNotFound
	}

	tags := ParseTags(res.JSONMetadata)
	if len(tags) == 0 && res.Category != "" {
		tags = []string{res.Category}
	}
	return Content{
		Author:       res.Author,
		Permlink:     res.Permlink,
		ParentAuthor: res.ParentAuthor,
		Title:        res.Title,
		Body:         res.Body,
		Tags:         tags,
		Created:      ParseTime(res.Created),
	}, nil
}

// Operation filter bits for get_account_history (bit n = operation id n).
const (
	filterVote    = uint64(1) << 0
	filterComment = uint64(1) << 1
)

// AccountHistory returns up to limit history entries ending at start (-1 = newest),
// restricted to votes and comments. Entries come back oldest first.
func (c *Client) AccountHistory(ctx context.Context, name string, start int64, limit int) ([]HistoryEntry, error) {
	var raw [][2]json.RawMessage
	params := []any{name, start, limit, filterVote | filterComment, 0}
	if err := c.call(ctx, "condenser_api.get_account_history", params, &raw); err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var idx int64
		if err := json.Unmarshal(item[0], &idx); err != nil {
			continue
		}
		var body struct {
			Timestamp string             `json:"timestamp"`
			Op        [2]json.RawMessage `json:"op"`
		}
		if err := json.Unmarshal(item[1], &body); err != nil {
			continue
		}
		var opType string
		if err := json.Unmarshal(body.Op[0], &opType); err != nil {
			continue
		}
		entries = append(entries, HistoryEntry{
			Index:     idx,
			Timestamp: ParseTime(body.Timestamp),
			Type:      normalizeOpType(opType),
			Value:     body.Op[1],
		})
	}
	return entries, nil
}

// normalizeOpType maps condenser short names ("vote") to the block api names.
func normalizeOpType(t string) string {
	if t == "" || strings.HasSuffix(t, "_operation") {
		return t
	}
	return t + "_operation"
}
