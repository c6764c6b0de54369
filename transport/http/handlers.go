package http

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/ageverify/adapters/gatekeeper"
	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/core"
	"github.com/layer-3/ageverify/ports"
	"github.com/layer-3/ageverify/record"
	"github.com/layer-3/ageverify/rpcpool"
	"github.com/layer-3/ageverify/service"
	"github.com/shopspring/decimal"
)

// CoSigner is a co-signer that can name its own key
type CoSigner interface {
	ports.CoSigner
	PublicKey() chain.PublicKey
}

// CredentialOracle issues credentials for confirmed writes
type CredentialOracle interface {
	Issue(ctx context.Context, req service.CredentialRequest) (*service.IssuedCredential, error)
}

// HealthReporter exposes the RPC endpoint health
type HealthReporter interface {
	Snapshot() []rpcpool.Status
}

// Treasury is the fee configuration advertised to clients
type Treasury struct {
	Address     string
	ProtocolFee decimal.Decimal
	AppFee      decimal.Decimal
	Network     string
}

// RecordView is the JSON form of an on-chain verification record
type RecordView struct {
	Wallet     string `json:"wallet"`
	Address    string `json:"address"`
	Facehash   string `json:"facehash"`
	UserCode   string `json:"user_code,omitempty"`
	Over18     bool   `json:"over18"`
	VerifiedAt int64  `json:"verified_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Bump       uint8  `json:"bump"`
	Active     bool   `json:"active"`
}

// Handlers contains HTTP handlers for the verification endpoints
type Handlers struct {
	gatekeeper CoSigner
	oracle     CredentialOracle
	ledger     ports.Ledger
	health     HealthReporter
	treasury   Treasury
	now        func() time.Time
	logger     watermill.LoggerAdapter
}

// HandlersConfig wires the collaborators; nil members disable their routes
type HandlersConfig struct {
	Gatekeeper CoSigner
	Oracle     CredentialOracle
	Ledger     ports.Ledger
	Health     HealthReporter
	Treasury   Treasury
	Logger     watermill.LoggerAdapter
}

// NewHandlers creates new handlers
func NewHandlers(cfg HandlersConfig) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Handlers{
		gatekeeper: cfg.Gatekeeper,
		oracle:     cfg.Oracle,
		ledger:     cfg.Ledger,
		health:     cfg.Health,
		treasury:   cfg.Treasury,
		now:        time.Now,
		logger:     logger,
	}
}

// SignVerification co-signs a client-built registry transaction
func (h *Handlers) SignVerification(c *gin.Context) {
	var req struct {
		SerializedTx string `json:"serializedTx" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing transaction data"})
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.SerializedTx)
	if err != nil {
		c.JSON(http.StatusBadRequest, gatekeeper.ErrorResponse{Error: "Invalid transaction encoding", Message: err.Error()})
		return
	}

	signed, err := h.gatekeeper.CoSign(c.Request.Context(), raw)
	if err != nil {
		if errors.Is(err, core.ErrGatekeeperRejected) {
			h.logger.Info("Co-sign rejected", watermill.LogFields{"reason": err.Error()})
			c.JSON(http.StatusForbidden, gatekeeper.ErrorResponse{
				Error:   "Security validation failed: Invalid verification instruction",
				Message: err.Error(),
			})
			return
		}
		h.logger.Error("Co-sign failed", err, nil)
		c.JSON(http.StatusInternalServerError, gatekeeper.ErrorResponse{Error: "Server Signing Sequence Failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gatekeeper.SignResponse{
		Transaction:       base64.StdEncoding.EncodeToString(signed),
		PlatformPublicKey: h.gatekeeper.PublicKey().String(),
	})
}

// IssueCredential issues a credential for a confirmed verification write
func (h *Handlers) IssueCredential(c *gin.Context) {
	var req service.CredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing signature or wallet"})
		return
	}

	issued, err := h.oracle.Issue(c.Request.Context(), req)
	if err != nil {
		var broadcast *core.BroadcastError
		switch {
		case errors.Is(err, service.ErrInvalidWallet):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wallet address"})
		case errors.Is(err, service.ErrTransactionMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Transaction does not belong to this wallet", "signature": req.Signature})
		case errors.Is(err, service.ErrNotConfirmed):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":     "Transaction not yet available. Please retry in a few seconds.",
				"signature": req.Signature,
			})
		case errors.As(err, &broadcast) && errors.Is(err, service.ErrTransactionFailed):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "On-chain transaction failed. The biometric proof was not recorded.",
				"logs":  broadcast.Logs,
			})
		case errors.Is(err, core.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Verification record not found"})
		case errors.Is(err, service.ErrVerificationExpired), errors.Is(err, core.ErrMalformedRecord):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Record exists but is not valid.", "message": err.Error()})
		default:
			h.logger.Error("Credential issuance failed", err, watermill.LogFields{"wallet": req.Wallet})
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Oracle Execution Failed", "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, issued)
}

// Verification returns the decoded record of a wallet
func (h *Handlers) Verification(c *gin.Context) {
	wallet, err := chain.PublicKeyFromBase58(c.Param("wallet"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wallet address"})
		return
	}
	address, _, err := record.DeriveAddress(wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to derive record address"})
		return
	}

	data, found, err := h.ledger.GetAccount(c.Request.Context(), address)
	if err != nil {
		h.logger.Error("Record lookup failed", err, watermill.LogFields{"wallet": wallet.String()})
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to read verification record"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Verification record not found", "address": address.String()})
		return
	}

	rec, err := record.Decode(data)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Malformed verification record", "address": address.String()})
		return
	}

	c.JSON(http.StatusOK, RecordView{
		Wallet:     wallet.String(),
		Address:    address.String(),
		Facehash:   rec.FacehashHex(),
		UserCode:   rec.UserCode,
		Over18:     rec.Over18,
		VerifiedAt: rec.VerifiedAt,
		ExpiresAt:  rec.ExpiresAt,
		Bump:       rec.Bump,
		Active:     rec.Active(h.now()),
	})
}

// Treasury advertises where fees go and how much they are
func (h *Handlers) Treasury(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"treasuryAddress": h.treasury.Address,
		"protocolFeeSol":  h.treasury.ProtocolFee.InexactFloat64(),
		"appFeeSol":       h.treasury.AppFee.InexactFloat64(),
		"network":         h.treasury.Network,
	})
}

// Health reports the RPC endpoint snapshot; it fails only when no endpoint is healthy
func (h *Handlers) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	snapshot := h.health.Snapshot()
	healthy := 0
	for _, s := range snapshot {
		if s.Health.Healthy {
			healthy++
		}
	}

	status, code := "ok", http.StatusOK
	switch {
	case healthy == 0:
		status, code = "unavailable", http.StatusServiceUnavailable
	case healthy < len(snapshot):
		status = "degraded"
	}
	c.JSON(code, gin.H{"status": status, "endpoints": snapshot})
}
