package enrich

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartpixl/forge/internal/clock"
	"github.com/smartpixl/forge/internal/model"
)

const (
	sessionTimeout       = 30 * time.Minute
	sessionEvictInterval = 2 * time.Minute
)

// session is one visitor's live window. All field access holds the entry
// mutex, eviction included; the map lock is only taken for lookup, insert
// and delete. gone marks an entry the evictor removed from the map, so a
// caller that raced the eviction knows to look up a fresh one.
type session struct {
	mu        sync.Mutex
	id        string
	startedAt time.Time
	lastHitAt time.Time
	hitCount  int
	pages     map[string]struct{}
	gone      bool
}

// SessionStitcher groups hits by device fingerprint into sessions with a
// thirty minute idle timeout. Session IDs are opaque GUIDs, stable for the
// life of the session.
type SessionStitcher struct {
	clk clock.Clock

	mu       sync.RWMutex
	sessions map[string]*session

	// OnSize, when set, receives the map size after each eviction pass.
	OnSize func(n int)
}

// NewSessionStitcher returns the session step.
func NewSessionStitcher(clk clock.Clock) *SessionStitcher {
	if clk == nil {
		clk = clock.System
	}
	return &SessionStitcher{clk: clk, sessions: make(map[string]*session)}
}

func (s *SessionStitcher) Name() string { return "session" }

func (s *SessionStitcher) EvictEvery() time.Duration { return sessionEvictInterval }

// Len reports the number of tracked sessions.
func (s *SessionStitcher) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionStitcher) Enrich(_ context.Context, rec *model.Record) error {
	fp := rec.Fingerprint()
	if fp == "" {
		return nil
	}

	now := s.clk.Now()
	var entry *session
	for {
		entry = s.lookupOrCreate(fp, now)
		entry.mu.Lock()
		if !entry.gone {
			break
		}
		// Evicted between lookup and lock; take a fresh entry.
		entry.mu.Unlock()
	}
	if now.Sub(entry.lastHitAt) > sessionTimeout {
		// Same device back after the idle window: a fresh session.
		entry.id = uuid.New().String()
		entry.startedAt = now
		entry.hitCount = 0
		entry.pages = make(map[string]struct{})
	}
	entry.hitCount++
	entry.lastHitAt = now
	entry.pages[pagePath(rec)] = struct{}{}

	id := entry.id
	hitNum := entry.hitCount
	duration := int(now.Sub(entry.startedAt).Seconds())
	pages := len(entry.pages)
	entry.mu.Unlock()

	rec.AppendParam(KeySessionID, id)
	rec.AppendParam(KeySessionHitNum, strconv.Itoa(hitNum))
	rec.AppendParam(KeySessionDuration, strconv.Itoa(duration))
	rec.AppendParam(KeySessionPages, strconv.Itoa(pages))
	return nil
}

func (s *SessionStitcher) lookupOrCreate(fp string, now time.Time) *session {
	s.mu.RLock()
	entry, ok := s.sessions[fp]
	s.mu.RUnlock()
	if ok {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok = s.sessions[fp]; ok {
		return entry
	}
	entry = &session{
		id:        uuid.New().String(),
		startedAt: now,
		lastHitAt: now,
		pages:     make(map[string]struct{}),
	}
	s.sessions[fp] = entry
	return entry
}

// Evict removes sessions idle past the timeout.
func (s *SessionStitcher) Evict() {
	now := s.clk.Now()

	s.mu.Lock()
	for fp, entry := range s.sessions {
		entry.mu.Lock()
		if now.Sub(entry.lastHitAt) > sessionTimeout {
			entry.gone = true
			delete(s.sessions, fp)
		}
		entry.mu.Unlock()
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if s.OnSize != nil {
		s.OnSize(n)
	}
}

// pagePath prefers the page the capture script reported, then the
// referring page's path, then the raw pixel request path.
func pagePath(rec *model.Record) string {
	if pg := rec.Param("pg"); pg != "" {
		return pg
	}
	if rec.Referer != "" {
		if u, err := url.Parse(rec.Referer); err == nil && u.Path != "" {
			return u.Path
		}
		return rec.Referer
	}
	return rec.RequestPath
}
