// Package notify tells a mosque's followers that its broadcast went live.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"minbar/pkg/interfaces"
	"minbar/pkg/types"
)

// Config bounds one notification dispatch.
type Config struct {
	BatchSize int
	Timeout   time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 500, Timeout: 30 * time.Second}
}

// Bridge fans a session start out to the mosque's followers.
// ARCHITECTURAL DISCOVERY: Dispatch runs on its own goroutine with its own
// timeout, so a slow directory or push provider never delays the broadcaster
type Bridge struct {
	directory interfaces.FollowerDirectory
	notifier  interfaces.Notifier
	cfg       Config
	logger    *slog.Logger

	pending    sync.WaitGroup
	dispatched atomic.Uint64
	failed     atomic.Uint64
}

// NewBridge wires a follower directory to a notifier.
func NewBridge(directory interfaces.FollowerDirectory, notifier interfaces.Notifier, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{directory: directory, notifier: notifier, cfg: cfg, logger: logger}
}

// OnSessionStarted schedules the follower notification and returns at once.
func (b *Bridge) OnSessionStarted(info types.SessionInfo) {
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
		defer cancel()
		if err := b.Dispatch(ctx, info); err != nil {
			b.failed.Add(1)
			b.logger.Warn("follower notification failed",
				"session_id", info.ID,
				"mosque_id", info.MosqueID,
				"error", err)
		}
	}()
}

// Dispatch resolves followers and notifies them in batches. Every batch is
// attempted; the returned error joins the failures.
func (b *Bridge) Dispatch(ctx context.Context, info types.SessionInfo) error {
	followers, err := b.directory.ListFollowers(ctx, info.MosqueID)
	if err != nil {
		return err
	}
	if len(followers) == 0 {
		b.logger.Debug("no followers to notify", "mosque_id", info.MosqueID)
		return nil
	}

	var errs []error
	notified := 0
	for start := 0; start < len(followers); start += b.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		end := start + b.cfg.BatchSize
		if end > len(followers) {
			end = len(followers)
		}
		batch := followers[start:end]
		if err := b.notifier.Notify(ctx, batch, info); err != nil {
			errs = append(errs, err)
			continue
		}
		notified += len(batch)
	}

	b.dispatched.Add(1)
	b.logger.Info("followers notified",
		"session_id", info.ID,
		"mosque_id", info.MosqueID,
		"followers", len(followers),
		"notified", notified)
	return errors.Join(errs...)
}

// Wait blocks until every scheduled dispatch has finished.
func (b *Bridge) Wait() {
	b.pending.Wait()
}

// Dispatched and Failed are cumulative counters for health reporting.
func (b *Bridge) Dispatched() uint64 { return b.dispatched.Load() }
func (b *Bridge) Failed() uint64     { return b.failed.Load() }
