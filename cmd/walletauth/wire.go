package main

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/walletauth/adapters/credential"
	"github.com/layer-3/walletauth/adapters/events"
	"github.com/layer-3/walletauth/adapters/httpclient"
	"github.com/layer-3/walletauth/adapters/identity"
	"github.com/layer-3/walletauth/adapters/platform"
	"github.com/layer-3/walletauth/adapters/store"
	"github.com/layer-3/walletauth/config"
	"github.com/layer-3/walletauth/ports"
	"github.com/layer-3/walletauth/service"
	"github.com/layer-3/walletauth/siwe"
	"github.com/redis/go-redis/v9"
)

// app holds the wired service and whatever must be closed with it
type app struct {
	auth    *service.AuthService
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("Failed to close resource", "error", err)
		}
	}
}

// buildApp wires the service from configuration. Redis backs the store and the
// event stream when REDIS_URL is set, memory otherwise.
func buildApp(cfg *config.Config) (*app, error) {
	a := &app{}
	wmLogger := watermill.NewSlogLogger(slog.Default())

	var (
		sessions  ports.SessionStore
		ledger    ports.NonceLedger
		publisher message.Publisher
	)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient := redis.NewClient(opts)
		a.closers = append(a.closers, redisClient.Close)

		pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: redisClient}, wmLogger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create Redis publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)

		rs := store.NewRedisStore(redisClient)
		sessions, ledger, publisher = rs, rs, pub
		slog.Info("Using Redis store", "addr", opts.Addr)
	} else {
		pubSub := gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		a.closers = append(a.closers, pubSub.Close)

		ms := store.NewMemoryStore()
		sessions, ledger, publisher = ms, ms, pubSub
		slog.Info("Using in-memory store")
	}

	composer, err := siwe.NewComposer(siwe.Template{
		Domain:    cfg.Domain,
		Statement: cfg.Statement,
		URI:       cfg.URI,
		ChainID:   cfg.ChainID,
		RequestID: cfg.EnvironmentID,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid sign-in message template: %w", err)
	}

	a.auth = service.NewAuthService(service.Deps{
		Platform: platform.NewClient(platform.Config{
			BaseURL:       cfg.PlatformURL,
			Provider:      cfg.Provider,
			CallbackURL:   cfg.CallbackURL,
			Origin:        cfg.Origin,
			SessionCookie: cfg.SessionCookie,
		}),
		Identity: identity.NewClient(identity.Config{
			BaseURL:        cfg.IdentityURL,
			EnvironmentID:  cfg.EnvironmentID,
			Origin:         cfg.Origin,
			Network:        cfg.Network,
			WalletName:     cfg.WalletName,
			WalletProvider: cfg.WalletProvider,
			NonceTTL:       cfg.NonceTTL,
		}, credential.NewJWTInspector()),
		Composer:   composer,
		NewSession: httpclient.Factory(httpclient.Options{Timeout: cfg.RequestTimeout}),
		Store:      sessions,
		Ledger:     ledger,
		Events:     events.NewWatermillPublisher(publisher),
	}, service.Options{
		NonceTTL:      cfg.NonceTTL,
		RetryAttempts: uint(cfg.RetryAttempts),
		RetryBackoff:  cfg.RetryBackoff,
		Precheck:      cfg.Precheck,
	})

	return a, nil
}
