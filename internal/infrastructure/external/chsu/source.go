package chsu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULE SOURCE
// ══════════════════════════════════════════════════════════════════════════════

// SourceConfig configures the directory refresh.
type SourceConfig struct {
	// DirectoryTTL is how long the in-process directory stays fresh.
	DirectoryTTL time.Duration
}

// DefaultSourceConfig returns sensible defaults.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{DirectoryTTL: 6 * time.Hour}
}

// Source implements schedule.Source on top of the API client. Names are
// resolved through the merged group and teacher directory, which is kept in
// memory and, when a cache is given, shared through it.
type Source struct {
	client *Client
	cache  schedule.DirectoryCache
	mapper *Mapper
	logger *slog.Logger
	config SourceConfig
	now    func() time.Time

	mu       sync.RWMutex
	index    map[string]schedule.DirectoryEntry
	loadedAt time.Time
	group    singleflight.Group
}

// NewSource creates a schedule source. cache may be nil.
func NewSource(client *Client, cache schedule.DirectoryCache, logger *slog.Logger, config SourceConfig) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		client: client,
		cache:  cache,
		mapper: NewMapper(),
		logger: logger.With("component", "schedule_source"),
		config: config,
		now:    time.Now,
	}
}

// Resolve implements schedule.Source.
func (s *Source) Resolve(ctx context.Context, name string) (schedule.Entity, bool, error) {
	entry, found, err := s.lookup(ctx, name)
	if err != nil || !found {
		return schedule.Entity{}, false, err
	}
	return schedule.Entity{Name: entry.Name, Kind: entry.Kind}, true, nil
}

// FetchSchedule implements schedule.Source. An entity missing from the
// directory is a NotFound error.
func (s *Source) FetchSchedule(ctx context.Context, entity string, r schedule.DateRange) (*schedule.Snapshot, error) {
	entry, found, err := s.lookup(ctx, entity)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, shared.WrapError("schedule", "FetchSchedule", shared.ErrNotFound, entity, shared.ErrEntityNotFound)
	}

	classes, err := s.client.Timetable(ctx, entry.Kind, entry.ID, r)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.mapper.SnapshotFromDTO(schedule.Entity{Name: entry.Name, Kind: entry.Kind}, r, classes)
	if err != nil {
		return nil, shared.UpstreamError("chsu", "FetchSchedule", fmt.Errorf("%s: %w", entity, err))
	}
	return snapshot, nil
}

// DirectorySize returns the number of known names, for status pages.
func (s *Source) DirectorySize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// ══════════════════════════════════════════════════════════════════════════════
// DIRECTORY
// ══════════════════════════════════════════════════════════════════════════════

func (s *Source) lookup(ctx context.Context, name string) (schedule.DirectoryEntry, bool, error) {
	if err := s.ensureDirectory(ctx); err != nil {
		return schedule.DirectoryEntry{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.index[name]
	return entry, ok, nil
}

// ensureDirectory loads the directory when it is missing or stale. A stale
// directory is kept when the refresh fails.
func (s *Source) ensureDirectory(ctx context.Context) error {
	s.mu.RLock()
	fresh := s.index != nil && s.now().Sub(s.loadedAt) < s.config.DirectoryTTL
	have := s.index != nil
	s.mu.RUnlock()

	if fresh {
		return nil
	}

	_, err, _ := s.group.Do("directory", func() (any, error) {
		return nil, s.loadDirectory(ctx)
	})
	if err != nil && have {
		s.logger.Warn("directory refresh failed, using stale copy", "error", err)
		return nil
	}
	return err
}

func (s *Source) loadDirectory(ctx context.Context) error {
	if s.cache != nil {
		entries, found, err := s.cache.LoadDirectory(ctx)
		if err != nil {
			s.logger.Warn("directory cache read failed", "error", err)
		}
		if found && len(entries) > 0 {
			s.setIndex(entries)
			return nil
		}
	}

	groups, err := s.client.Groups(ctx)
	if err != nil {
		return err
	}
	teachers, err := s.client.Teachers(ctx)
	if err != nil {
		return err
	}

	entries := s.mapper.DirectoryFromDTO(groups, teachers)
	s.setIndex(entries)

	s.logger.Info("directory loaded",
		"groups", len(groups),
		"teachers", len(teachers),
	)

	if s.cache != nil {
		if err := s.cache.StoreDirectory(ctx, entries); err != nil {
			s.logger.Warn("directory cache write failed", "error", err)
		}
	}
	return nil
}

func (s *Source) setIndex(entries []schedule.DirectoryEntry) {
	index := make(map[string]schedule.DirectoryEntry, len(entries))
	for _, e := range entries {
		index[e.Name] = e
	}

	s.mu.Lock()
	s.index = index
	s.loadedAt = s.now()
	s.mu.Unlock()
}
