package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/go-authgate/marketplace-cli/marketplace"
	"github.com/go-authgate/marketplace-cli/session"
	"github.com/go-authgate/marketplace-cli/storage"
	"github.com/go-authgate/marketplace-cli/tui"
)

// Session store backends
const (
	storeKindFile   = "file"
	storeKindRedis  = "redis"
	storeKindMemory = "memory"
)

// appConfig is the resolved configuration one command runs with.
type appConfig struct {
	serverURL      string
	storeKind      string
	storeFile      string
	redisURL       string
	redisPrefix    string
	requestTimeout time.Duration
	retryClient    *retry.Client
	registry       prometheus.Registerer
	log            zerolog.Logger
}

// app wires the session controller, the API client and the display for
// one CLI invocation.
type app struct {
	kv        storage.KV
	storeDesc string
	ctrl      *session.Controller
	auth      *session.Authenticator
	client    *marketplace.Client
	d         tui.Displayer
	out       io.Writer
	log       zerolog.Logger
}

// openStore opens the configured session backend. Sessions are partitioned
// by serverURL so two backends never share tokens.
func openStore(ctx context.Context, cfg appConfig) (storage.KV, string, error) {
	switch cfg.storeKind {
	case storeKindFile, "":
		f, err := storage.NewFile(cfg.storeFile, cfg.serverURL, storage.WithFileLogger(cfg.log))
		if err != nil {
			return nil, "", err
		}
		return f, f.Path(), nil

	case storeKindRedis:
		if cfg.redisURL == "" {
			return nil, "", errors.New("REDIS_URL is required for the redis session store")
		}
		r, err := storage.NewRedisFromURL(
			ctx,
			cfg.redisURL,
			cfg.redisPrefix,
			cfg.serverURL,
			storage.WithRedisLogger(cfg.log),
		)
		if err != nil {
			return nil, "", err
		}
		return r, "redis " + r.Key(), nil

	case storeKindMemory:
		return storage.NewMemory(), "memory (not persisted)", nil

	default:
		return nil, "", fmt.Errorf(
			"unknown session store %q (want %s, %s or %s)",
			cfg.storeKind, storeKindFile, storeKindRedis, storeKindMemory,
		)
	}
}

func newApp(ctx context.Context, cfg appConfig, d tui.Displayer, out io.Writer) (*app, error) {
	kv, desc, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	opts := []session.Option{
		session.WithLogger(cfg.log),
		session.WithEvents(d),
		session.WithRequestTimeout(cfg.requestTimeout),
		session.WithMetrics(session.NewMetrics(cfg.registry)),
	}
	if cfg.retryClient != nil {
		opts = append(opts, session.WithRetryClient(cfg.retryClient))
	}

	ctrl, err := session.NewController(cfg.serverURL, kv, opts...)
	if err != nil {
		kv.Close()
		return nil, err
	}

	restored, err := ctrl.Init(ctx)
	if err != nil {
		ctrl.Close()
		kv.Close()
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	switch {
	case restored == session.RestoreCleared:
		d.SessionCorrupt()
	case ctrl.User() != nil:
		d.SessionRestored(displayName(ctrl.User()))
	default:
		d.SessionAbsent()
	}

	auth, err := session.NewAuthenticator(cfg.serverURL, opts...)
	if err != nil {
		ctrl.Close()
		kv.Close()
		return nil, err
	}

	return &app{
		kv:        kv,
		storeDesc: desc,
		ctrl:      ctrl,
		auth:      auth,
		client:    marketplace.New(ctrl),
		d:         d,
		out:       out,
		log:       cfg.log,
	}, nil
}

// Close stops following the store and releases the backend.
func (a *app) Close() {
	a.ctrl.Close()
	if err := a.kv.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close session store")
	}
}

func displayName(u *session.User) string {
	switch {
	case u == nil:
		return ""
	case u.Name != "" && u.Email != "":
		return fmt.Sprintf("%s <%s>", u.Name, u.Email)
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	default:
		return u.ID
	}
}
