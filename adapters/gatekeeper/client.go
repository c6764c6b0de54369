package gatekeeper

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/ports"
)

// SignPath is the co-signing route served by transport/http
const SignPath = "/api/sign-verification"

// SignRequest is the body of a co-signing request
type SignRequest struct {
	SerializedTx string `json:"serializedTx"`
}

// SignResponse is returned by the gatekeeper on success
type SignResponse struct {
	Transaction       string `json:"transaction"`
	PlatformPublicKey string `json:"platformPublicKey"`
}

// ErrorResponse is returned by the gatekeeper on failure
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Client calls a remote gatekeeper over HTTP
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Expected, when set, must match the key the gatekeeper reports
	Expected chain.PublicKey
}

func New(baseURL string, expected chain.PublicKey) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Expected:   expected,
	}
}

// CoSign submits the unsigned transaction and returns it with the gatekeeper signature
func (c *Client) CoSign(ctx context.Context, serialized []byte) ([]byte, error) {
	body, err := json.Marshal(SignRequest{SerializedTx: base64.StdEncoding.EncodeToString(serialized)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+SignPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		reason := errBody.Message
		if reason == "" {
			reason = errBody.Error
		}
		if resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: http %d: %s", core.ErrGatekeeperRejected, resp.StatusCode, reason)
		}
		return nil, fmt.Errorf("gatekeeper http %d: %s", resp.StatusCode, reason)
	}

	var out SignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode gatekeeper response: %w", err)
	}
	if !c.Expected.IsZero() && out.PlatformPublicKey != c.Expected.String() {
		return nil, fmt.Errorf("%w: unexpected platform key %s", core.ErrGatekeeperRejected, out.PlatformPublicKey)
	}

	signed, err := base64.StdEncoding.DecodeString(out.Transaction)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signed transaction: %w", err)
	}
	return signed, nil
}

var _ ports.CoSigner = (*Client)(nil)
