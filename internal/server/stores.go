package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/a-essam23/vibemap/pkg/config"
	"github.com/a-essam23/vibemap/pkg/presence"
	"github.com/a-essam23/vibemap/pkg/vibelog"
)

// Stores holds the two datastore collaborators and whatever must be closed on
// shutdown.
type Stores struct {
	Presence presence.Store
	VibeLog  vibelog.Store
	closers  []io.Closer
}

// NewStores wraps already opened stores. Closers run in order on Close.
func NewStores(p presence.Store, v vibelog.Store, closers ...io.Closer) *Stores {
	return &Stores{Presence: p, VibeLog: v, closers: closers}
}

// OpenStores connects the drivers selected in cfg. Network drivers are
// verified with a bounded ping before the server starts accepting clients.
func OpenStores(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*Stores, error) {
	s := &Stores{}

	switch cfg.Presence.Driver {
	case "redis":
		rs, err := presence.DialRedis(ctx, cfg.Presence.RedisURL, cfg.Store.Timeout)
		if err != nil {
			return nil, fmt.Errorf("open presence store: %w", err)
		}
		s.Presence = rs
		s.closers = append(s.closers, rs)
	case "memory":
		ms := presence.NewMemoryStore()
		s.Presence = ms
		s.closers = append(s.closers, ms)
	default:
		return nil, fmt.Errorf("unknown presence driver %q", cfg.Presence.Driver)
	}

	switch cfg.VibeLog.Driver {
	case "postgres":
		ps, err := vibelog.OpenPostgres(ctx, cfg.VibeLog.DatabaseURL, vibelog.DefaultPostgresConfig())
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open vibe log: %w", err)
		}
		s.VibeLog = ps
		s.closers = append(s.closers, ps)
	case "badger":
		bs, err := vibelog.OpenBadger(cfg.VibeLog.BadgerPath)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open vibe log: %w", err)
		}
		s.VibeLog = bs
		s.closers = append(s.closers, bs)
	case "memory":
		ms := vibelog.NewMemoryStore()
		s.VibeLog = ms
		s.closers = append(s.closers, ms)
	default:
		_ = s.Close()
		return nil, fmt.Errorf("unknown vibe log driver %q", cfg.VibeLog.Driver)
	}

	logger.Info("Datastores ready",
		slog.String("presence", cfg.Presence.Driver),
		slog.String("vibelog", cfg.VibeLog.Driver),
	)
	return s, nil
}

func (s *Stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
