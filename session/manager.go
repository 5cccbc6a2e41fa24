package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cverna/browserd/event"
	"github.com/cverna/browserd/fault"
	"github.com/cverna/browserd/idgen"
)

// Limits caps the manager and controls idle eviction.
type Limits struct {
	MaxSessions        int
	MaxPagesPerSession int
	IdleTTL            time.Duration
	SweepInterval      time.Duration
}

// Session is one browser instance with its isolated context and pages.
type Session struct {
	ID        string
	Kind      BrowserKind
	Headless  bool
	CreatedAt time.Time

	browser BrowserHandle
	context ContextHandle
	pages   map[string]*Page

	lastUsed time.Time
	deleting bool
}

// Page is one tab plus its capture buffers and command lock.
type Page struct {
	ID        string
	SessionID string
	CreatedAt time.Time

	Handle  PageHandle
	Buffers *event.Buffers

	lock          *pageLock
	detachCapture func()
	captureCancel context.CancelFunc
}

// SessionView is the JSON-facing snapshot of a session.
type SessionView struct {
	ID         string    `json:"session_id"`
	Browser    string    `json:"browser_type"`
	Headless   bool      `json:"headless"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Pages      []string  `json:"pages"`
}

// PageView is the JSON-facing snapshot of a page.
type PageView struct {
	ID        string    `json:"page_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager owns all sessions. The map mutex is held only for registry
// bookkeeping, never across backend calls.
type Manager struct {
	backend Backend
	limits  Limits
	log     *slog.Logger
	now     func() time.Time
	newID   idgen.Generator

	// OnEvict runs after a session is evicted by the idle sweeper.
	OnEvict func(sessionID string)

	mu       sync.Mutex
	sessions map[string]*Session
	pages    map[string]*Page // global index, page IDs are unique server-wide
}

// NewManager wires a manager over a backend.
func NewManager(backend Backend, limits Limits, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.SweepInterval <= 0 {
		limits.SweepInterval = 15 * time.Second
	}
	return &Manager{
		backend:  backend,
		limits:   limits,
		log:      logger,
		now:      time.Now,
		newID:    idgen.Handle,
		sessions: make(map[string]*Session),
		pages:    make(map[string]*Page),
	}
}

// CreateSession launches a browser, opens an isolated context and registers
// the session under a fresh handle.
func (m *Manager) CreateSession(ctx context.Context, kindStr string, headless bool) (SessionView, error) {
	kind, err := ParseKind(kindStr)
	if err != nil {
		return SessionView{}, err
	}

	m.mu.Lock()
	if m.limits.MaxSessions > 0 && len(m.sessions) >= m.limits.MaxSessions {
		n := len(m.sessions)
		m.mu.Unlock()
		return SessionView{}, fault.New(fault.CapacityExceeded, "session limit reached (%d)", m.limits.MaxSessions).
			WithDetail("limit", m.limits.MaxSessions).
			WithDetail("current", n)
	}
	m.mu.Unlock()

	browser, err := m.backend.Launch(ctx, kind, headless)
	if err != nil {
		return SessionView{}, err
	}
	bctx, err := browser.NewContext(ctx)
	if err != nil {
		_ = browser.Close(ctx)
		return SessionView{}, err
	}

	now := m.now()
	s := &Session{
		Kind:      kind,
		Headless:  headless,
		CreatedAt: now,
		browser:   browser,
		context:   bctx,
		pages:     make(map[string]*Page),
		lastUsed:  now,
	}

	m.mu.Lock()
	// Re-check the cap: another create may have won the race while the
	// browser was launching.
	if m.limits.MaxSessions > 0 && len(m.sessions) >= m.limits.MaxSessions {
		m.mu.Unlock()
		_ = bctx.Close(ctx)
		_ = browser.Close(ctx)
		return SessionView{}, fault.New(fault.CapacityExceeded, "session limit reached (%d)", m.limits.MaxSessions).
			WithDetail("limit", m.limits.MaxSessions)
	}
	s.ID = idgen.Unique(m.newID, func(id string) bool {
		_, taken := m.sessions[id]
		return taken
	})
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("session created", "session_id", s.ID, "browser", kind, "headless", headless)
	return m.viewLocked(s), nil
}

// ListSessions returns snapshots of all live sessions, oldest first.
func (m *Manager) ListSessions() []SessionView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionView, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.deleting {
			continue
		}
		out = append(out, m.viewLocked(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetSession returns the snapshot of one session.
func (m *Manager) GetSession(id string) (SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.deleting {
		return SessionView{}, fault.New(fault.SessionNotFound, "no session %q", id).WithDetail("session_id", id)
	}
	return m.viewLocked(s), nil
}

// viewLocked builds a snapshot. Callers hold m.mu, except CreateSession
// which owns the session exclusively at call time.
func (m *Manager) viewLocked(s *Session) SessionView {
	pages := make([]string, 0, len(s.pages))
	for id := range s.pages {
		pages = append(pages, id)
	}
	sort.Strings(pages)
	return SessionView{
		ID:         s.ID,
		Browser:    string(s.Kind),
		Headless:   s.Headless,
		CreatedAt:  s.CreatedAt,
		LastUsedAt: s.lastUsed,
		Pages:      pages,
	}
}

// DeleteSession removes the session from the registry and tears it down.
// In-flight commands finish against a dying backend and surface backend
// errors; new lookups fail immediately.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.deleting {
		m.mu.Unlock()
		return fault.New(fault.SessionNotFound, "no session %q", id).WithDetail("session_id", id)
	}
	m.unregisterLocked(s)
	m.mu.Unlock()

	m.closeSession(ctx, s)
	m.log.Info("session deleted", "session_id", id)
	return nil
}

// busyLocked reports whether any page currently holds its command lock.
// Caller holds m.mu, so no new dispatch can resolve a page while this runs.
func (s *Session) busyLocked() bool {
	for _, p := range s.pages {
		if !p.lock.TryAcquire() {
			return true
		}
		p.lock.Release()
	}
	return false
}

// unregisterLocked marks the session deleting and removes it and its pages
// from both indices. Caller holds m.mu.
func (m *Manager) unregisterLocked(s *Session) {
	s.deleting = true
	delete(m.sessions, s.ID)
	for pid := range s.pages {
		delete(m.pages, pid)
	}
}

// closeSession tears down pages, context and browser, in that order. Each
// page lock is taken with a bounded grace so a command that already holds
// it completes before its tab disappears. The idle sweeper never selects a
// session with a held lock, so the grace only applies to explicit deletes
// and shutdown.
func (m *Manager) closeSession(ctx context.Context, s *Session) {
	for _, p := range s.pages {
		grace, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := p.lock.Acquire(grace); err == nil {
			p.lock.Release()
		}
		cancel()
		m.teardownPage(ctx, p)
	}
	if err := s.context.Close(ctx); err != nil {
		m.log.Warn("context close failed", "session_id", s.ID, "error", err)
	}
	if err := s.browser.Close(ctx); err != nil {
		m.log.Warn("browser close failed", "session_id", s.ID, "error", err)
	}
}

func (m *Manager) teardownPage(ctx context.Context, p *Page) {
	if p.detachCapture != nil {
		p.detachCapture()
	}
	if p.captureCancel != nil {
		p.captureCancel()
	}
	if err := p.Handle.Close(ctx); err != nil {
		m.log.Warn("page close failed", "session_id", p.SessionID, "page_id", p.ID, "error", err)
	}
	p.Buffers.Clear()
}

// CreatePage opens a tab in the session, attaches console/network capture
// and registers it under a fresh handle.
func (m *Manager) CreatePage(ctx context.Context, sessionID string) (PageView, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.deleting {
		m.mu.Unlock()
		return PageView{}, fault.New(fault.SessionNotFound, "no session %q", sessionID).
			WithDetail("session_id", sessionID)
	}
	if m.limits.MaxPagesPerSession > 0 && len(s.pages) >= m.limits.MaxPagesPerSession {
		n := len(s.pages)
		m.mu.Unlock()
		return PageView{}, fault.New(fault.CapacityExceeded, "page limit reached (%d) for session %q", m.limits.MaxPagesPerSession, sessionID).
			WithDetail("limit", m.limits.MaxPagesPerSession).
			WithDetail("current", n)
	}
	bctx := s.context
	m.mu.Unlock()

	handle, err := bctx.NewPage(ctx)
	if err != nil {
		return PageView{}, err
	}

	// Capture lives as long as the page, not as long as the create request.
	capCtx, capCancel := context.WithCancel(context.Background())
	p := &Page{
		SessionID:     sessionID,
		CreatedAt:     m.now(),
		Handle:        handle,
		Buffers:       event.NewBuffers(),
		lock:          newPageLock(),
		captureCancel: capCancel,
	}
	p.detachCapture = handle.AttachCapture(capCtx, p.Buffers, m.log)

	m.mu.Lock()
	s2, ok := m.sessions[sessionID]
	if !ok || s2.deleting {
		m.mu.Unlock()
		m.teardownPage(ctx, p)
		return PageView{}, fault.New(fault.SessionNotFound, "no session %q", sessionID).
			WithDetail("session_id", sessionID)
	}
	p.ID = idgen.Unique(m.newID, func(id string) bool {
		_, taken := m.pages[id]
		return taken
	})
	s2.pages[p.ID] = p
	m.pages[p.ID] = p
	s2.lastUsed = m.now()
	m.mu.Unlock()

	m.log.Info("page created", "session_id", sessionID, "page_id", p.ID)
	return PageView{ID: p.ID, SessionID: sessionID, CreatedAt: p.CreatedAt}, nil
}

// ListPages returns snapshots of the session's pages, oldest first.
func (m *Manager) ListPages(sessionID string) ([]PageView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.deleting {
		return nil, fault.New(fault.SessionNotFound, "no session %q", sessionID).
			WithDetail("session_id", sessionID)
	}
	out := make([]PageView, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, PageView{ID: p.ID, SessionID: sessionID, CreatedAt: p.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ClosePage tears down one tab.
func (m *Manager) ClosePage(ctx context.Context, sessionID, pageID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.deleting {
		m.mu.Unlock()
		return fault.New(fault.SessionNotFound, "no session %q", sessionID).
			WithDetail("session_id", sessionID)
	}
	p, ok := s.pages[pageID]
	if !ok {
		m.mu.Unlock()
		return fault.New(fault.PageNotFound, "no page %q in session %q", pageID, sessionID).
			WithDetail("session_id", sessionID).
			WithDetail("page_id", pageID)
	}
	delete(s.pages, pageID)
	delete(m.pages, pageID)
	m.mu.Unlock()

	grace, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := p.lock.Acquire(grace); err == nil {
		p.lock.Release()
	}
	cancel()
	m.teardownPage(ctx, p)
	m.log.Info("page closed", "session_id", sessionID, "page_id", pageID)
	return nil
}

// LookupPage resolves a (session, page) pair without taking the page lock.
func (m *Manager) LookupPage(sessionID, pageID string) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.deleting {
		return nil, fault.New(fault.SessionNotFound, "no session %q", sessionID).
			WithDetail("session_id", sessionID)
	}
	p, ok := s.pages[pageID]
	if !ok {
		return nil, fault.New(fault.PageNotFound, "no page %q in session %q", pageID, sessionID).
			WithDetail("session_id", sessionID).
			WithDetail("page_id", pageID)
	}
	return p, nil
}

// FindPage resolves a page by its server-wide ID alone.
func (m *Manager) FindPage(pageID string) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[pageID]
	if !ok {
		return nil, fault.New(fault.PageNotFound, "no page %q", pageID).
			WithDetail("page_id", pageID)
	}
	return p, nil
}

// AcquirePage resolves the pair and takes the page's command lock, honoring
// ctx while waiting. The returned release function must be called exactly
// once. The page is re-checked after the wait so a session deleted behind a
// queued caller fails as not-found rather than acting on a dead tab.
func (m *Manager) AcquirePage(ctx context.Context, sessionID, pageID string) (*Page, func(), error) {
	p, err := m.LookupPage(sessionID, pageID)
	if err != nil {
		return nil, nil, err
	}
	if err := p.lock.Acquire(ctx); err != nil {
		return nil, nil, fault.New(fault.Timeout, "timed out waiting for page %q", pageID).
			WithDetail("session_id", sessionID).
			WithDetail("page_id", pageID)
	}
	if _, err := m.LookupPage(sessionID, pageID); err != nil {
		p.lock.Release()
		return nil, nil, err
	}
	return p, p.lock.Release, nil
}

// ReportGone removes a page whose backend target vanished. Idempotent.
func (m *Manager) ReportGone(sessionID, pageID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	p, ok := s.pages[pageID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(s.pages, pageID)
	delete(m.pages, pageID)
	m.mu.Unlock()

	if p.detachCapture != nil {
		p.detachCapture()
	}
	if p.captureCancel != nil {
		p.captureCancel()
	}
	m.log.Warn("page gone", "session_id", sessionID, "page_id", pageID)
}

// Touch refreshes the session's idle clock. Called after every successful
// command dispatch.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.lastUsed = m.now()
	}
}

// Counts reports live sessions and pages, for gauges.
func (m *Manager) Counts() (sessions, pages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.deleting {
			continue
		}
		sessions++
		pages += len(s.pages)
	}
	return sessions, pages
}

// Run drives the idle sweeper until ctx is done, then tears everything down.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.limits.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Shutdown(context.Background())
			return
		case <-ticker.C:
			m.sweep(context.Background())
		}
	}
}

// sweep evicts sessions idle past the TTL.
func (m *Manager) sweep(ctx context.Context) {
	if m.limits.IdleTTL <= 0 {
		return
	}
	cutoff := m.now().Add(-m.limits.IdleTTL)

	m.mu.Lock()
	var victims []*Session
	for _, s := range m.sessions {
		if s.deleting || !s.lastUsed.Before(cutoff) {
			continue
		}
		// A held command lock means a dispatch is in flight; leave the
		// session for a later sweep instead of closing its tab mid-command.
		if s.busyLocked() {
			continue
		}
		m.unregisterLocked(s)
		victims = append(victims, s)
	}
	m.mu.Unlock()

	for _, s := range victims {
		idle := m.now().Sub(s.lastUsed).Round(time.Second)
		m.closeSession(ctx, s)
		m.log.Info("session evicted", "session_id", s.ID, "idle", idle.String())
		if m.OnEvict != nil {
			m.OnEvict(s.ID)
		}
	}
}

// Shutdown tears down every session. Used on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var all []*Session
	for _, s := range m.sessions {
		if s.deleting {
			continue
		}
		m.unregisterLocked(s)
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.closeSession(ctx, s)
	}
	m.log.Info("manager shut down", "sessions_closed", len(all))
}
