package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/rpcpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// fakeNode answers JSON-RPC calls from a handler table
type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (any, *rpcError)
	calls    map[string]int
	broken   bool
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		handlers: map[string]func([]json.RawMessage) (any, *rpcError){},
		calls:    map[string]int{},
	}
}

func (n *fakeNode) handle(method string, h func([]json.RawMessage) (any, *rpcError)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	broken := n.broken
	n.mu.Unlock()
	if broken {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	h, ok := n.handlers[req.Method]
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = rpcError{Code: -32601, Message: "Method not found"}
	} else if result, rpcErr := h(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, nodes ...*fakeNode) (*Client, []string) {
	t.Helper()
	var endpoints []rpcpool.Endpoint
	var urls []string
	for i, n := range nodes {
		srv := httptest.NewServer(n)
		t.Cleanup(srv.Close)
		endpoints = append(endpoints, rpcpool.Endpoint{URL: srv.URL, Weight: len(nodes) - i})
		urls = append(urls, srv.URL)
	}
	c := NewClient(endpoints, nil)
	t.Cleanup(c.Close)
	return c, urls
}

func TestGetAccount(t *testing.T) {
	node := newFakeNode()
	payload := []byte{1, 2, 3, 4}
	addr := chain.MustPublicKey("AgeVwjVjNpRYkk1TzkLPG7S1bvMoa4J3bwuVbs161k3q")
	node.handle("getAccountInfo", func(params []json.RawMessage) (any, *rpcError) {
		var key string
		_ = json.Unmarshal(params[0], &key)
		if key != addr.String() {
			return map[string]any{"context": map[string]any{"slot": 1}, "value": nil}, nil
		}
		return map[string]any{
			"context": map[string]any{"slot": 1},
			"value": map[string]any{
				"data":     []string{base64.StdEncoding.EncodeToString(payload), "base64"},
				"lamports": 1000,
				"owner":    addr.String(),
			},
		}, nil
	})
	c, _ := newTestClient(t, node)

	data, found, err := c.GetAccount(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload, data)

	_, found, err = c.GetAccount(context.Background(), chain.SystemProgramID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBalanceAndBlockhash(t *testing.T) {
	node := newFakeNode()
	hash := chain.Hash{9, 9, 9}
	node.handle("getBalance", func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{"context": map[string]any{"slot": 1}, "value": 100_000}, nil
	})
	node.handle("getLatestBlockhash", func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{
			"context": map[string]any{"slot": 1},
			"value":   map[string]any{"blockhash": hash.String(), "lastValidBlockHeight": 99},
		}, nil
	})
	c, _ := newTestClient(t, node)

	bal, err := c.GetBalance(context.Background(), chain.SystemProgramID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), bal)

	got, err := c.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestPriorityFee(t *testing.T) {
	node := newFakeNode()
	c, _ := newTestClient(t, node)

	// Method not offered by the node
	_, err := c.PriorityFee(context.Background(), chain.SystemProgramID)
	require.Error(t, err)
	var rpcErr rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.ErrorCode())
	assert.True(t, c.Pool().Snapshot()[0].Health.Healthy, "a JSON-RPC error does not mark the endpoint down")

	node.handle("qn_estimatePriorityFees", func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{"recommended": 0}, nil
	})
	_, err = c.PriorityFee(context.Background(), chain.SystemProgramID)
	assert.ErrorIs(t, err, ErrNoEstimate)

	node.handle("qn_estimatePriorityFees", func(params []json.RawMessage) (any, *rpcError) {
		var req priorityFeeRequest
		_ = json.Unmarshal(params[0], &req)
		if req.LastNBlocks != 10 {
			return nil, &rpcError{Code: -32602, Message: "bad params"}
		}
		return map[string]any{"recommended": 2500, "per_compute_unit": map[string]any{}}, nil
	})
	fee, err := c.PriorityFee(context.Background(), chain.SystemProgramID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2500), fee)
}

func TestSendTransactionSurfacesLogs(t *testing.T) {
	node := newFakeNode()
	node.handle("sendTransaction", func(params []json.RawMessage) (any, *rpcError) {
		var cfg sendConfig
		_ = json.Unmarshal(params[1], &cfg)
		if !cfg.SkipPreflight || cfg.Encoding != "base64" {
			return nil, &rpcError{Code: -32602, Message: "bad config"}
		}
		return nil, &rpcError{
			Code:    -32002,
			Message: "Transaction simulation failed",
			Data:    map[string]any{"logs": []string{"Program log: one", "Program log: two"}},
		}
	})
	c, _ := newTestClient(t, node)

	_, err := c.SendTransaction(context.Background(), []byte{1, 2, 3})
	require.Error(t, err)
	var logsErr *LogsError
	require.ErrorAs(t, err, &logsErr)
	assert.Equal(t, []string{"Program log: one", "Program log: two"}, logsErr.Logs)

	node.handle("sendTransaction", func([]json.RawMessage) (any, *rpcError) {
		return "5sig", nil
	})
	sig, err := c.SendTransaction(context.Background(), []byte{1})
	require.NoError(t, err)
	assert.Equal(t, "5sig", sig)
}

func TestSignatureStatusAndLogs(t *testing.T) {
	node := newFakeNode()
	node.handle("getSignatureStatuses", func(params []json.RawMessage) (any, *rpcError) {
		var sigs []string
		_ = json.Unmarshal(params[0], &sigs)
		if sigs[0] == "unknown" {
			return map[string]any{"context": map[string]any{"slot": 1}, "value": []any{nil}}, nil
		}
		return map[string]any{
			"context": map[string]any{"slot": 1},
			"value": []any{map[string]any{
				"slot": 5, "confirmations": nil, "confirmationStatus": "finalized",
				"err": map[string]any{"InstructionError": []any{2, map[string]any{"Custom": 6000}}},
			}},
		}, nil
	})
	node.handle("getTransaction", func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{"meta": map[string]any{"err": nil, "logMessages": []string{"a", "b"}}}, nil
	})
	c, _ := newTestClient(t, node)

	st, err := c.SignatureStatus(context.Background(), "sig")
	require.NoError(t, err)
	assert.True(t, st.Found)
	assert.True(t, st.Confirmed())
	assert.True(t, st.Failed())

	st, err = c.SignatureStatus(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, st.Found)

	logs, err := c.TransactionLogs(context.Background(), "sig")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, logs)
}

func TestTransactionAccounts(t *testing.T) {
	static := []chain.PublicKey{chain.MustPublicKey("AgeVwjVjNpRYkk1TzkLPG7S1bvMoa4J3bwuVbs161k3q"), chain.SystemProgramID}
	loaded := chain.ComputeBudgetProgramID

	node := newFakeNode()
	node.handle("getTransaction", func(params []json.RawMessage) (any, *rpcError) {
		var sig string
		_ = json.Unmarshal(params[0], &sig)
		if sig == "missing" {
			return nil, nil
		}
		return map[string]any{
			"meta": map[string]any{
				"err":             nil,
				"loadedAddresses": map[string]any{"writable": []string{}, "readonly": []string{loaded.String()}},
			},
			"transaction": map[string]any{
				"message":    map[string]any{"accountKeys": []string{static[0].String(), static[1].String()}},
				"signatures": []string{sig},
			},
		}, nil
	})
	c, _ := newTestClient(t, node)

	keys, err := c.TransactionAccounts(context.Background(), "sig")
	require.NoError(t, err)
	assert.Equal(t, []chain.PublicKey{static[0], static[1], loaded}, keys)

	keys, err = c.TransactionAccounts(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFailoverOnTransportError(t *testing.T) {
	primary := newFakeNode()
	primary.broken = true
	backup := newFakeNode()
	for _, n := range []*fakeNode{primary, backup} {
		n.handle("getBalance", func([]json.RawMessage) (any, *rpcError) {
			return map[string]any{"context": map[string]any{"slot": 1}, "value": 7}, nil
		})
	}
	c, urls := newTestClient(t, primary, backup)

	_, err := c.GetBalance(context.Background(), chain.SystemProgramID)
	require.Error(t, err, "first call hits the broken primary")

	bal, err := c.GetBalance(context.Background(), chain.SystemProgramID)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), bal)
	assert.Equal(t, 1, backup.count("getBalance"))

	snap := c.Pool().Snapshot()
	assert.Equal(t, urls[0], snap[0].Endpoint.URL)
	assert.False(t, snap[0].Health.Healthy)
}

func TestProbeUpdatesHealth(t *testing.T) {
	node := newFakeNode()
	c, _ := newTestClient(t, node)

	// getLatestBlockhash is not handled so the probe fails with a JSON-RPC error
	require.NoError(t, c.Pool().CheckAll(context.Background()))
	assert.False(t, c.Pool().Snapshot()[0].Health.Healthy)

	node.handle("getLatestBlockhash", func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{"value": map[string]any{"blockhash": chain.Hash{1}.String()}}, nil
	})
	require.NoError(t, c.Pool().CheckAll(context.Background()))
	assert.True(t, c.Pool().Snapshot()[0].Health.Healthy)
}
