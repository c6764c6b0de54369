package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/ageverify/adapters/credential"
	"github.com/layer-3/ageverify/adapters/ledger"
	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/config"
	"github.com/layer-3/ageverify/rpcpool"
	"github.com/layer-3/ageverify/service"
	transport "github.com/layer-3/ageverify/transport/http"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the co-signing, credential and status API",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			return serve(c.Context, cfg, logger)
		},
	}
}

func newLedger(cfg *config.Config, logger watermill.LoggerAdapter) *ledger.Client {
	client := ledger.NewClient(cfg.Endpoints, logger, rpcpool.WithInterval(cfg.HealthInterval))
	client.SetCommitment(cfg.Commitment)
	return client
}

func serve(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) error {
	rpc := newLedger(cfg, logger)
	defer rpc.Close()
	rpc.Pool().Start(ctx)
	defer rpc.Pool().Stop()

	signKey, err := loadIssuerKey(cfg.IssuerKeyFile, logger)
	if err != nil {
		return err
	}
	oracle := service.NewOracle(rpc, credential.NewJWTIssuer(signKey, cfg.Issuer), logger)

	v, err := cfg.VerifyConfig()
	if err != nil {
		return err
	}
	treasury, err := cfg.AppTreasuryKey()
	if err != nil {
		return err
	}

	handlersCfg := transport.HandlersConfig{
		Oracle: oracle,
		Ledger: rpc,
		Health: rpc.Pool(),
		Treasury: transport.Treasury{
			Address:     treasury.String(),
			ProtocolFee: v.ProtocolFee,
			AppFee:      v.AppFee,
			Network:     cfg.Network,
		},
		Logger: logger,
	}

	kp, err := cfg.GatekeeperKeypair()
	if err != nil {
		return fmt.Errorf("failed to load gatekeeper key: %w", err)
	}
	if kp != nil {
		protocolTreasury, err := cfg.ProtocolTreasuryKey()
		if err != nil {
			return err
		}
		opts := []service.GatekeeperOption{service.WithProtocolTreasury(protocolTreasury)}
		if appFee := chain.SOLToLamports(v.AppFee); appFee > 0 {
			opts = append(opts, service.WithAppFee(appFee, treasury))
		}
		gk := service.NewGatekeeper(kp, logger, opts...)
		handlersCfg.Gatekeeper = gk
		logger.Info("Gatekeeper enabled", watermill.LogFields{"public_key": gk.PublicKey().String()})
	} else {
		logger.Info("No gatekeeper key configured, co-signing disabled", nil)
	}

	router := transport.SetupRouter(transport.NewHandlers(handlersCfg), transport.RouterConfig{
		RateLimit: rate.Limit(cfg.RateLimit),
		RateBurst: cfg.RateBurst,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", watermill.LogFields{"addr": cfg.Listen, "network": cfg.Network})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("Shutting down", nil)
	return server.Shutdown(shutdownCtx)
}

// loadIssuerKey reads a PEM encoded P-256 key. Without one an ephemeral key is
// generated, so credentials do not survive a restart.
func loadIssuerKey(path string, logger watermill.LoggerAdapter) (*ecdsa.PrivateKey, error) {
	if path == "" {
		logger.Info("No issuer key configured, using an ephemeral key", nil)
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read issuer key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer key: %w", err)
	}
	return key, nil
}
