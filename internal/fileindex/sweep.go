package fileindex

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTTLSweepInterval is how often expired records are reaped.
const DefaultTTLSweepInterval = 60 * time.Second

// DefaultZombieSweepInterval matches ZOMBIE_CLEANUP_INTERVAL_MS=300000.
const DefaultZombieSweepInterval = 300 * time.Second

// UploadSessionLister reports which uploadIds are currently live, so the
// zombie sweep can tell an in-progress tempfile from an orphan.
type UploadSessionLister interface {
	LiveUploadIDs() map[string]struct{}
}

// Sweeper runs the TTL and zombie sweeps as independent cancellable
// goroutines. Start/Stop bracket their lifetime.
type Sweeper struct {
	index   Index
	tempDir string
	lister  UploadSessionLister
	logger  *slog.Logger

	ttlInterval    time.Duration
	zombieInterval time.Duration // 0 disables the zombie sweep

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewSweeper constructs a Sweeper. zombieInterval of 0 disables the zombie
// sweep entirely.
func NewSweeper(index Index, tempDir string, lister UploadSessionLister, ttlInterval, zombieInterval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}

	if ttlInterval <= 0 {
		ttlInterval = DefaultTTLSweepInterval
	}

	return &Sweeper{
		index:          index,
		tempDir:        tempDir,
		lister:         lister,
		logger:         logger,
		ttlInterval:    ttlInterval,
		zombieInterval: zombieInterval,
	}
}

// Start launches the sweep goroutines under an errgroup.Group so Stop can
// block until both have actually exited instead of firing-and-forgetting them.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	g, ctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error {
		s.runTTLSweep(ctx)
		return nil
	})

	if s.zombieInterval > 0 {
		g.Go(func() error {
			s.runZombieSweep(ctx)
			return nil
		})
	} else {
		s.logger.Info("zombie sweep disabled")
	}
}

// Stop cancels both sweep goroutines and waits for them to return.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	if s.group != nil {
		_ = s.group.Wait()
	}
}

func (s *Sweeper) runTTLSweep(ctx context.Context) {
	ticker := time.NewTicker(s.ttlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

// sweepExpired unlinks every file whose TTL has elapsed and drops its
// record. Sweeps tolerate files already missing.
func (s *Sweeper) sweepExpired(ctx context.Context) {
	records, err := s.index.List(ctx)
	if err != nil {
		s.logger.Error("ttl sweep: listing records failed", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	removed := 0

	for _, rec := range records {
		if !rec.Expired(now) {
			continue
		}

		if err := removeIfExists(rec.StoragePath); err != nil {
			s.logger.Warn("ttl sweep: unlink failed", slog.String("file_id", rec.FileID), slog.String("error", err.Error()))
		}

		if err := s.index.Delete(ctx, rec.FileID); err != nil {
			s.logger.Warn("ttl sweep: index delete failed", slog.String("file_id", rec.FileID), slog.String("error", err.Error()))
			continue
		}

		removed++
	}

	if removed > 0 {
		s.logger.Info("ttl sweep removed expired files", slog.Int("count", removed))
	}
}

func (s *Sweeper) runZombieSweep(ctx context.Context) {
	ticker := time.NewTicker(s.zombieInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepZombies()
		}
	}
}

// sweepZombies removes every tempfile whose name is not a live uploadId.
func (s *Sweeper) sweepZombies() {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}

		s.logger.Error("zombie sweep: reading temp dir failed", slog.String("error", err.Error()))

		return
	}

	live := s.lister.LiveUploadIDs()
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if _, ok := live[entry.Name()]; ok {
			continue
		}

		if err := removeIfExists(filepath.Join(s.tempDir, entry.Name())); err != nil {
			s.logger.Warn("zombie sweep: unlink failed", slog.String("name", entry.Name()), slog.String("error", err.Error()))
			continue
		}

		removed++
	}

	if removed > 0 {
		s.logger.Info("zombie sweep removed orphan tempfiles", slog.Int("count", removed))
	}
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}
