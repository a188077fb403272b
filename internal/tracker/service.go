// Package tracker implements course enrollment, level progression and the
// per-level subject and topic lists of the study dashboard.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/p-n-ai/pai-tracker/internal/catalog"
	"github.com/p-n-ai/pai-tracker/internal/platform/cache"
)

const defaultCacheTTL = 30 * time.Second

// ServiceConfig holds dependencies for the tracker service.
type ServiceConfig struct {
	Store    Store // defaults to a MemoryStore
	Catalog  *catalog.Catalog
	Cache    cache.Store   // defaults to an in-process cache on Clock
	CacheTTL time.Duration // default 30s
	Events   EventLogger   // defaults to NopEventLogger
	Clock    func() time.Time
}

// Service exposes the tracker operations. All methods are safe for
// concurrent use.
type Service struct {
	store    Store
	catalog  *catalog.Catalog
	cache    cache.Store
	cacheTTL time.Duration
	events   EventLogger
	now      func() time.Time
}

// NewService creates a tracker service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	c := cfg.Cache
	if c == nil {
		c = cache.NewMemory(clock)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	events := cfg.Events
	if events == nil {
		events = NopEventLogger{}
	}
	return &Service{
		store:    store,
		catalog:  cfg.Catalog,
		cache:    c,
		cacheTTL: ttl,
		events:   events,
		now:      clock,
	}, nil
}

// Catalog returns the catalog the service seeds from.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// today returns the current date at UTC midnight.
func (s *Service) today() time.Time {
	y, m, d := s.now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Service) emit(userID, eventType string, data map[string]any) {
	err := s.events.LogEvent(Event{
		UserID:    userID,
		EventType: eventType,
		Data:      data,
		CreatedAt: s.now(),
	})
	if err != nil {
		slog.Warn("failed to log event", "type", eventType, "user_id", userID, "error", err)
	}
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return invalid("user id is required")
	}
	return nil
}

// level validates ref against the catalog.
func (s *Service) level(ref LevelRef) (catalog.Level, error) {
	if err := requireUser(ref.UserID); err != nil {
		return catalog.Level{}, err
	}
	if _, ok := s.catalog.Course(ref.CourseID); !ok {
		return catalog.Level{}, invalid("unknown course %q", ref.CourseID)
	}
	level, ok := s.catalog.Level(ref.CourseID, ref.LevelKey)
	if !ok {
		return catalog.Level{}, invalid("unknown level %q for course %q", ref.LevelKey, ref.CourseID)
	}
	return level, nil
}

func levelPrefix(ref LevelRef) string {
	return "tracker:" + url.QueryEscape(ref.UserID) + ":" + ref.CourseID + ":" + ref.LevelKey + ":"
}

func subjectsCacheKey(ref LevelRef) string {
	return levelPrefix(ref) + "subjects"
}

func topicsCacheKey(ref LevelRef, subjectKey string) string {
	return levelPrefix(ref) + "topics:" + subjectKey
}

func (s *Service) cacheGet(ctx context.Context, key string, dst any) bool {
	ok, err := s.cache.Get(ctx, key, dst)
	if err != nil {
		slog.Warn("cache read failed", "key", key, "error", err)
		return false
	}
	return ok
}

func (s *Service) cacheSet(ctx context.Context, key string, value any) {
	if err := s.cache.Set(ctx, key, value, s.cacheTTL); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}

// invalidate drops every cached list of the level.
func (s *Service) invalidate(ctx context.Context, ref LevelRef) {
	if err := s.cache.DeletePrefix(ctx, levelPrefix(ref)); err != nil {
		slog.Warn("cache invalidation failed", "prefix", levelPrefix(ref), "error", err)
	}
}

func refAttrs(ref LevelRef) []any {
	return []any{"user_id", ref.UserID, "course_id", ref.CourseID, "level_key", ref.LevelKey}
}

func refData(ref LevelRef, kv ...any) map[string]any {
	data := map[string]any{"course_id": ref.CourseID, "level_key": ref.LevelKey}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			data[k] = kv[i+1]
		}
	}
	return data
}
