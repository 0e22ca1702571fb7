// Package coordinator owns per-session state and serializes every mutation
// of it. A Manager keeps the registry of attached sessions, fans changes out
// to subscribers and reaps sessions whose agent process has gone away.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/claudego/server/agent"
	"github.com/claudego/server/errdefs"
	"github.com/claudego/server/permission"
	"github.com/claudego/server/session"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultReapInterval = 5 * time.Second
	subscriberBuffer    = 64
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidSessionID reports whether id may name a session. Ids end up in file
// paths and terminal target names.
func ValidSessionID(id string) bool {
	return len(id) <= 128 && sessionIDPattern.MatchString(id)
}

type Options struct {
	Terminal     agent.Terminal
	Dispatcher   Dispatcher
	Store        session.Store // optional; nil keeps everything in memory
	TargetPrefix string
	ReapInterval time.Duration
}

type subscriber struct {
	ch chan Change
}

// Manager manages attached sessions and their change subscriptions.
// Sessions and subscriptions have independent lifecycles.
type Manager struct {
	terminal     agent.Terminal
	dispatcher   Dispatcher
	store        session.Store
	targetPrefix string
	reapInterval time.Duration

	sessionsMu  sync.Mutex
	sessions    map[string]*Session
	attachGroup singleflight.Group

	subsMu sync.Mutex
	subs   map[string][]*subscriber

	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager and starts its liveness reaper.
func NewManager(opts Options) *Manager {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		terminal:     opts.Terminal,
		dispatcher:   opts.Dispatcher,
		store:        opts.Store,
		targetPrefix: opts.TargetPrefix,
		reapInterval: opts.ReapInterval,
		sessions:     make(map[string]*Session),
		subs:         make(map[string][]*subscriber),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go m.runReaper()
	return m
}

// Target returns the terminal target name for a session id.
func (m *Manager) Target(sessionID string) string {
	return m.targetPrefix + sessionID
}

// Attach returns the session with the given id, creating it if needed.
// A newly created session is rebuilt from its persisted history. The
// registry is not locked while the session is built, so other sessions
// stay reachable; concurrent attaches of one new id share a single build
// and all report created.
func (m *Manager) Attach(ctx context.Context, sessionID string) (*Session, bool, error) {
	if !ValidSessionID(sessionID) {
		return nil, false, fmt.Errorf("%w: invalid session id %q", errdefs.ErrInvalidArgument, sessionID)
	}
	if s, ok := m.lookup(sessionID); ok {
		return s, false, nil
	}

	v, err, _ := m.attachGroup.Do(sessionID, func() (any, error) {
		if s, ok := m.lookup(sessionID); ok {
			return attached{session: s}, nil
		}
		s, err := m.build(context.WithoutCancel(ctx), sessionID)
		if err != nil {
			return nil, err
		}

		m.sessionsMu.Lock()
		m.sessions[sessionID] = s
		m.sessionsMu.Unlock()
		slog.Info("session attached", "sessionId", sessionID, "target", s.Target())
		return attached{session: s, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	a := v.(attached)
	return a.session, a.created, nil
}

type attached struct {
	session *Session
	created bool
}

func (m *Manager) lookup(sessionID string) (*Session, bool) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// build creates a session and replays its history. It does disk I/O and
// must not run under sessionsMu.
func (m *Manager) build(ctx context.Context, sessionID string) (*Session, error) {
	target := m.Target(sessionID)
	cfg := sessionConfig{
		id:         sessionID,
		target:     target,
		dispatcher: m.dispatcher,
		publish:    m.broadcast,
	}

	if m.store != nil {
		meta, _, err := m.store.Ensure(ctx, sessionID, target)
		if err != nil {
			return nil, err
		}
		cfg.target = meta.Target
		if err := m.store.SetAlive(ctx, sessionID, true); err != nil {
			return nil, err
		}
		rules, err := permission.NewRuleStore(m.store.Dir(sessionID))
		if err != nil {
			return nil, fmt.Errorf("load standing rules: %w", err)
		}
		cfg.rules = rules
		cfg.history = m.store
	}

	s := newSession(cfg)

	if m.store != nil {
		records, err := m.store.GetHistory(ctx, sessionID)
		if err != nil {
			slog.Warn("history partially unreadable", "sessionId", sessionID, "error", err)
		}
		if len(records) > 0 {
			applied := s.replay(records)
			slog.Info("history replayed", "sessionId", sessionID, "records", len(records), "applied", applied)
		}
	}
	return s, nil
}

// Get returns an attached session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", errdefs.ErrNotFound, sessionID)
	}
	return s, nil
}

// List returns the attached sessions ordered by id.
func (m *Manager) List() []*Session {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return strings.Compare(a.id, b.id) })
	return out
}

// Subscribe registers for changes of a session. The channel is closed
// when the session is removed or the returned cancel func is called.
// Slow subscribers lose changes rather than block the session; each
// Change carries the full current view, so the next one catches them up.
func (m *Manager) Subscribe(sessionID string) (<-chan Change, func()) {
	sub := &subscriber{ch: make(chan Change, subscriberBuffer)}

	m.subsMu.Lock()
	m.subs[sessionID] = append(m.subs[sessionID], sub)
	total := len(m.subs[sessionID])
	m.subsMu.Unlock()
	slog.Debug("subscribed to session", "sessionId", sessionID, "totalSubs", total)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { m.unsubscribe(sessionID, sub) })
	}
}

func (m *Manager) unsubscribe(sessionID string, sub *subscriber) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subs := m.subs[sessionID]
	i := slices.Index(subs, sub)
	if i < 0 {
		return
	}
	subs = slices.Delete(subs, i, i+1)
	close(sub.ch)
	if len(subs) == 0 {
		delete(m.subs, sessionID)
	} else {
		m.subs[sessionID] = subs
	}
	slog.Debug("unsubscribed from session", "sessionId", sessionID, "totalSubs", len(subs))
}

// Subscribers returns the number of live subscriptions to a session.
func (m *Manager) Subscribers(sessionID string) int {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	return len(m.subs[sessionID])
}

// Dropped returns how many changes were discarded for slow subscribers.
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

func (m *Manager) broadcast(c Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for _, sub := range m.subs[c.SessionID] {
		select {
		case sub.ch <- c:
		default:
			m.dropped.Add(1)
			slog.Debug("subscriber lagging, change dropped", "sessionId", c.SessionID, "version", c.Version)
		}
	}
}

func (m *Manager) closeSubscribers(sessionID string) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, sub := range m.subs[sessionID] {
		close(sub.ch)
	}
	delete(m.subs, sessionID)
}

// Remove detaches a session. Waiting permission producers are released
// and subscribers are closed.
func (m *Manager) Remove(ctx context.Context, sessionID string) {
	m.sessionsMu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.sessionsMu.Unlock()
	if !ok {
		return
	}

	s.MarkDead(ctx)
	m.closeSubscribers(sessionID)
	if f, ok := m.dispatcher.(interface{ Forget(string) }); ok {
		f.Forget(s.Target())
	}
	slog.Info("session removed", "sessionId", sessionID)
}

// Shutdown stops the reaper and releases every session.
func (m *Manager) Shutdown() {
	m.cancel()
	<-m.done

	sessions := m.List()
	for _, s := range sessions {
		m.Remove(context.Background(), s.ID())
	}
	slog.Info("manager shutdown complete", "sessionsClosed", len(sessions))
}

func (m *Manager) runReaper() {
	defer close(m.done)

	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapDead(m.ctx)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) reapDead(ctx context.Context) {
	if m.terminal == nil {
		return
	}
	for _, s := range m.List() {
		alive, err := m.terminal.Alive(ctx, s.Target())
		if err != nil {
			slog.Warn("liveness check failed", "sessionId", s.ID(), "error", err)
			continue
		}
		if alive {
			continue
		}

		s.MarkDead(ctx)
		if m.store != nil {
			if err := m.store.SetAlive(ctx, s.ID(), false); err != nil {
				slog.Warn("failed to persist liveness", "sessionId", s.ID(), "error", err)
			}
		}
		m.Remove(ctx, s.ID())
		slog.Info("dead session reaped", "sessionId", s.ID())
	}
}
