// Package ledger is a JSON-RPC client for the ledger network. Calls are routed
// through an rpcpool.Manager so that failing endpoints are skipped.
package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/ports"
	"github.com/layer-3/ageverify/rpcpool"
)

const (
	DefaultCommitment = "confirmed"
	priorityFeeBlocks = 10
)

// ErrNoEstimate is returned when the node answers without a usable priority fee
var ErrNoEstimate = errors.New("no priority fee estimate")

// Client implements ports.Ledger and rpcpool.Prober
type Client struct {
	pool       *rpcpool.Manager
	logger     watermill.LoggerAdapter
	commitment string

	mu      sync.Mutex
	clients map[string]*rpc.Client
	dial    func(ctx context.Context, url string) (*rpc.Client, error)
}

// NewClient creates a client over endpoints and installs itself as the pool's prober
func NewClient(endpoints []rpcpool.Endpoint, logger watermill.LoggerAdapter, opts ...rpcpool.Option) *Client {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	c := &Client{
		logger:     logger,
		commitment: DefaultCommitment,
		clients:    make(map[string]*rpc.Client),
		dial:       rpc.DialContext,
	}
	opts = append([]rpcpool.Option{rpcpool.WithLogger(logger)}, opts...)
	c.pool = rpcpool.NewManager(endpoints, c, opts...)
	return c
}

// Pool exposes the endpoint manager for health reporting and lifecycle
func (c *Client) Pool() *rpcpool.Manager {
	return c.pool
}

// SetCommitment changes the commitment level used for reads; empty keeps the current one
func (c *Client) SetCommitment(commitment string) {
	if commitment != "" {
		c.commitment = commitment
	}
}

// Close closes every dialed connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, cl := range c.clients {
		cl.Close()
		delete(c.clients, url)
	}
}

func (c *Client) client(ctx context.Context, url string) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[url]; ok {
		return cl, nil
	}
	cl, err := c.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	c.clients[url] = cl
	return cl, nil
}

// call sends method to the best endpoint for tag. Transport failures mark the
// endpoint unhealthy; JSON-RPC errors are returned as is.
func (c *Client) call(ctx context.Context, tag rpcpool.Tag, result any, method string, args ...any) error {
	endpoint, err := c.pool.Select(tag)
	if err != nil {
		return err
	}
	cl, err := c.client(ctx, endpoint.URL)
	if err != nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return err
	}

	err = cl.CallContext(ctx, result, method, args...)
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) && ctx.Err() == nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
	}
	return fmt.Errorf("%s: %w", method, err)
}

// Probe implements rpcpool.Prober with getLatestBlockhash against a specific endpoint
func (c *Client) Probe(ctx context.Context, url string) error {
	cl, err := c.client(ctx, url)
	if err != nil {
		return err
	}
	var res blockhashResult
	return cl.CallContext(ctx, &res, "getLatestBlockhash", commitmentConfig{Commitment: c.commitment})
}

type commitmentConfig struct {
	Commitment string `json:"commitment,omitempty"`
}

type accountInfoConfig struct {
	Encoding   string `json:"encoding"`
	Commitment string `json:"commitment,omitempty"`
}

type accountInfoResult struct {
	Value *struct {
		Data     []string `json:"data"`
		Lamports uint64   `json:"lamports"`
		Owner    string   `json:"owner"`
	} `json:"value"`
}

// GetAccount returns base64-decoded account data
func (c *Client) GetAccount(ctx context.Context, address chain.PublicKey) ([]byte, bool, error) {
	var res accountInfoResult
	err := c.call(ctx, rpcpool.TagDefault, &res, "getAccountInfo", address.String(),
		accountInfoConfig{Encoding: "base64", Commitment: c.commitment})
	if err != nil {
		return nil, false, err
	}
	if res.Value == nil {
		return nil, false, nil
	}
	if len(res.Value.Data) == 0 {
		return []byte{}, true, nil
	}
	data, err := base64.StdEncoding.DecodeString(res.Value.Data[0])
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode account data: %w", err)
	}
	return data, true, nil
}

type balanceResult struct {
	Value uint64 `json:"value"`
}

func (c *Client) GetBalance(ctx context.Context, address chain.PublicKey) (uint64, error) {
	var res balanceResult
	if err := c.call(ctx, rpcpool.TagDefault, &res, "getBalance", address.String(),
		commitmentConfig{Commitment: c.commitment}); err != nil {
		return 0, err
	}
	return res.Value, nil
}

type blockhashResult struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

func (c *Client) LatestBlockhash(ctx context.Context) (chain.Hash, error) {
	var res blockhashResult
	if err := c.call(ctx, rpcpool.TagTx, &res, "getLatestBlockhash",
		commitmentConfig{Commitment: c.commitment}); err != nil {
		return chain.Hash{}, err
	}
	return chain.HashFromBase58(res.Value.Blockhash)
}

type priorityFeeRequest struct {
	Account     string `json:"account"`
	LastNBlocks int    `json:"last_n_blocks"`
}

type priorityFeeResult struct {
	Recommended float64 `json:"recommended"`
}

// PriorityFee queries the qn_estimatePriorityFees extension. Nodes that do not
// offer the method answer with a JSON-RPC error, which is returned as is.
func (c *Client) PriorityFee(ctx context.Context, account chain.PublicKey) (uint64, error) {
	var res priorityFeeResult
	err := c.call(ctx, rpcpool.TagTx, &res, "qn_estimatePriorityFees",
		priorityFeeRequest{Account: account.String(), LastNBlocks: priorityFeeBlocks})
	if err != nil {
		return 0, err
	}
	if res.Recommended <= 0 {
		return 0, ErrNoEstimate
	}
	return uint64(res.Recommended), nil
}

type sendConfig struct {
	Encoding            string `json:"encoding"`
	SkipPreflight       bool   `json:"skipPreflight"`
	PreflightCommitment string `json:"preflightCommitment"`
}

// SendTransaction broadcasts raw wire bytes. Simulation logs attached to the
// JSON-RPC error are surfaced through *LogsError.
func (c *Client) SendTransaction(ctx context.Context, raw []byte) (string, error) {
	var sig string
	err := c.call(ctx, rpcpool.TagTx, &sig, "sendTransaction",
		base64.StdEncoding.EncodeToString(raw),
		sendConfig{Encoding: "base64", SkipPreflight: true, PreflightCommitment: c.commitment})
	if err != nil {
		return "", withLogs(err)
	}
	return sig, nil
}

type signatureStatusConfig struct {
	SearchTransactionHistory bool `json:"searchTransactionHistory"`
}

type signatureStatusResult struct {
	Value []*struct {
		ConfirmationStatus string          `json:"confirmationStatus"`
		Err                json.RawMessage `json:"err"`
	} `json:"value"`
}

func (c *Client) SignatureStatus(ctx context.Context, signature string) (ports.SignatureStatus, error) {
	var res signatureStatusResult
	if err := c.call(ctx, rpcpool.TagTx, &res, "getSignatureStatuses", []string{signature},
		signatureStatusConfig{SearchTransactionHistory: true}); err != nil {
		return ports.SignatureStatus{}, err
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return ports.SignatureStatus{}, nil
	}
	st := res.Value[0]
	return ports.SignatureStatus{Found: true, ConfirmationStatus: st.ConfirmationStatus, Err: st.Err}, nil
}

type transactionConfig struct {
	Encoding                       string `json:"encoding"`
	Commitment                     string `json:"commitment"`
	MaxSupportedTransactionVersion int    `json:"maxSupportedTransactionVersion"`
}

type transactionResult struct {
	Meta *struct {
		Err             json.RawMessage `json:"err"`
		LogMessages     []string        `json:"logMessages"`
		LoadedAddresses *struct {
			Writable []string `json:"writable"`
			Readonly []string `json:"readonly"`
		} `json:"loadedAddresses"`
	} `json:"meta"`
	Transaction *struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

func (c *Client) getTransaction(ctx context.Context, signature string) (*transactionResult, error) {
	var res *transactionResult
	if err := c.call(ctx, rpcpool.TagTx, &res, "getTransaction", signature,
		transactionConfig{Encoding: "json", Commitment: c.commitment}); err != nil {
		return nil, err
	}
	return res, nil
}

// TransactionLogs returns the program logs of a landed transaction
func (c *Client) TransactionLogs(ctx context.Context, signature string) ([]string, error) {
	res, err := c.getTransaction(ctx, signature)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Meta == nil {
		return nil, nil
	}
	return res.Meta.LogMessages, nil
}

// TransactionAccounts returns the static and lookup-table loaded keys of a landed transaction
func (c *Client) TransactionAccounts(ctx context.Context, signature string) ([]chain.PublicKey, error) {
	res, err := c.getTransaction(ctx, signature)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Transaction == nil {
		return nil, nil
	}

	raw := res.Transaction.Message.AccountKeys
	if res.Meta != nil && res.Meta.LoadedAddresses != nil {
		raw = append(raw, res.Meta.LoadedAddresses.Writable...)
		raw = append(raw, res.Meta.LoadedAddresses.Readonly...)
	}
	keys := make([]chain.PublicKey, 0, len(raw))
	for _, s := range raw {
		key, err := chain.PublicKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode account key %q: %w", s, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// LogsError is a JSON-RPC error that carried simulation logs
type LogsError struct {
	Err  error
	Logs []string
}

func (e *LogsError) Error() string {
	return e.Err.Error()
}

func (e *LogsError) Unwrap() error {
	return e.Err
}

func (e *LogsError) ExecutionLogs() []string {
	return e.Logs
}

func withLogs(err error) error {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return err
	}
	raw, mErr := json.Marshal(dataErr.ErrorData())
	if mErr != nil {
		return err
	}
	var data struct {
		Logs []string `json:"logs"`
	}
	if json.Unmarshal(raw, &data) != nil || len(data.Logs) == 0 {
		return err
	}
	return &LogsError{Err: err, Logs: data.Logs}
}

var _ ports.Ledger = (*Client)(nil)
var _ ports.LogCarrier = (*LogsError)(nil)
var _ rpcpool.Prober = (*Client)(nil)
