package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layer-3/ageverify/adapters/events"
	"github.com/layer-3/ageverify/adapters/store"
	"github.com/layer-3/ageverify/chain"
	"github.com/layer-3/ageverify/config"
	"github.com/layer-3/ageverify/ports"
	"github.com/layer-3/ageverify/record"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func walletArg(c *cli.Context) (chain.PublicKey, error) {
	if c.NArg() != 1 {
		return chain.PublicKey{}, fmt.Errorf("expected exactly one wallet address")
	}
	wallet, err := chain.PublicKeyFromBase58(c.Args().First())
	if err != nil {
		return chain.PublicKey{}, fmt.Errorf("invalid wallet: %w", err)
	}
	return wallet, nil
}

func deriveCommand() *cli.Command {
	return &cli.Command{
		Name:      "derive",
		Usage:     "print the record address, bump and user code of a wallet",
		ArgsUsage: "<wallet>",
		Action: func(c *cli.Context) error {
			wallet, err := walletArg(c)
			if err != nil {
				return err
			}
			address, bump, err := record.DeriveAddress(wallet)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"wallet":    wallet.String(),
				"address":   address.String(),
				"bump":      bump,
				"user_code": record.DeriveUserCode(address),
				"program":   record.ProgramID.String(),
			})
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "read and decode the on-chain record of a wallet",
		ArgsUsage: "<wallet>",
		Action: func(c *cli.Context) error {
			wallet, err := walletArg(c)
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			rpc := newLedger(cfg, logger)
			defer rpc.Close()

			address, _, err := record.DeriveAddress(wallet)
			if err != nil {
				return err
			}
			data, found, err := rpc.GetAccount(c.Context, address)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no record at %s", address)
			}
			rec, err := record.Decode(data)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"address":     address.String(),
				"facehash":    rec.FacehashHex(),
				"user_code":   rec.UserCode,
				"over18":      rec.Over18,
				"verified_at": rec.VerifiedTime().UTC(),
				"expires_at":  rec.ExpiresTime().UTC(),
				"bump":        rec.Bump,
				"active":      rec.Active(time.Now()),
			})
		},
	}
}

// openStore builds the configured retry store; close releases its connection
func openStore(ctx context.Context, cfg *config.Config) (ports.RetryStore, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		return store.NewRedisStore(client, record.Namespace, cfg.Retention), func() { _ = client.Close() }, nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s := store.NewPostgresStore(pool, record.Namespace)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	}
	return store.NewMemoryStore(record.Namespace, cfg.Retention), func() {}, nil
}

func retriesCommand() *cli.Command {
	run := func(c *cli.Context, fn func(ctx context.Context, s ports.RetryStore, wallet string) error) error {
		wallet, err := walletArg(c)
		if err != nil {
			return err
		}
		cfg, _, err := loadConfig(c)
		if err != nil {
			return err
		}
		s, closeStore, err := openStore(c.Context, cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		return fn(c.Context, s, wallet.String())
	}

	return &cli.Command{
		Name:  "retries",
		Usage: "inspect or reset the retry and cooldown state of a wallet",
		Subcommands: []*cli.Command{
			{
				Name:      "show",
				ArgsUsage: "<wallet>",
				Action: func(c *cli.Context) error {
					return run(c, func(ctx context.Context, s ports.RetryStore, wallet string) error {
						state, err := s.Get(ctx, wallet)
						if err != nil {
							return err
						}
						now := time.Now()
						return printJSON(map[string]any{
							"wallet":          wallet,
							"retry_count":     state.RetryCount,
							"cooldown_rounds": state.CooldownRounds,
							"cooldown_active": state.CooldownActive(now),
							"remaining":       state.CooldownRemaining(now).String(),
						})
					})
				},
			},
			{
				Name:      "clear",
				ArgsUsage: "<wallet>",
				Action: func(c *cli.Context) error {
					return run(c, func(ctx context.Context, s ports.RetryStore, wallet string) error {
						return s.Clear(ctx, wallet)
					})
				},
			},
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "print verification outcomes from the redis event stream",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("watch requires REDIS_URL")
			}
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("failed to parse redis url: %w", err)
			}
			client := redis.NewClient(opts)
			defer client.Close()

			subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{Client: client}, logger)
			if err != nil {
				return fmt.Errorf("failed to create subscriber: %w", err)
			}
			defer subscriber.Close()

			messages, err := subscriber.Subscribe(c.Context, events.TopicVerification)
			if err != nil {
				return err
			}
			for msg := range messages {
				var event ports.VerificationEvent
				if err := json.Unmarshal(msg.Payload, &event); err != nil {
					logger.Error("Skipping malformed event", err, watermill.LogFields{"message_uuid": msg.UUID})
					msg.Ack()
					continue
				}
				if err := printJSON(event); err != nil {
					return err
				}
				msg.Ack()
			}
			return nil
		},
	}
}
