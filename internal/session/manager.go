package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/talkai-app/talkai/internal/observability"
)

var ErrNotFound = errors.New("session not found")

const endTimeout = 10 * time.Second

// Manager is the registry of live orchestrators. Ended sessions stay
// readable for the retention period so clients can fetch the final state.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Orchestrator
	sessionByUser     map[string]string
	endedAt           map[string]time.Time
	inactivityTimeout time.Duration
	retention         time.Duration
	metrics           *observability.Metrics
	onExpire          func(*Orchestrator, Summary)
}

func NewManager(inactivityTimeout, retention time.Duration, metrics *observability.Metrics) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Orchestrator),
		sessionByUser:     make(map[string]string),
		endedAt:           make(map[string]time.Time),
		inactivityTimeout: inactivityTimeout,
		retention:         retention,
		metrics:           metrics,
	}
}

func (m *Manager) SetExpireHook(hook func(*Orchestrator, Summary)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a new orchestrator. A user holds at most one live
// session; the previous one is ended first.
func (m *Manager) Create(ctx context.Context, opts Options) *Orchestrator {
	if opts.Metrics == nil {
		opts.Metrics = m.metrics
	}
	o := New(opts)

	m.mu.Lock()
	var prev *Orchestrator
	if opts.UserID != "" {
		if prevID, ok := m.sessionByUser[opts.UserID]; ok {
			prev = m.sessions[prevID]
		}
		m.sessionByUser[opts.UserID] = o.ID()
	}
	m.sessions[o.ID()] = o
	m.mu.Unlock()

	if prev != nil && prev.Status() != StatusEnded {
		prev.End(ctx)
		m.markEnded(prev.ID())
	}
	m.metrics.SessionEvent("created")
	m.metrics.SetActiveSessions(m.ActiveCount())
	return o
}

func (m *Manager) Get(sessionID string) (*Orchestrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

func (m *Manager) Touch(sessionID string) error {
	o, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	o.Touch()
	return nil
}

// End finalizes a session. Ending an ended session returns its summary.
func (m *Manager) End(ctx context.Context, sessionID string) (Summary, error) {
	o, err := m.Get(sessionID)
	if err != nil {
		return Summary{}, err
	}
	summary := o.End(ctx)
	m.markEnded(sessionID)
	m.metrics.SetActiveSessions(m.ActiveCount())
	return summary, nil
}

func (m *Manager) markEnded(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endedAt[sessionID]; !ok {
		m.endedAt[sessionID] = time.Now()
	}
	o, ok := m.sessions[sessionID]
	if ok && o.opts.UserID != "" && m.sessionByUser[o.opts.UserID] == sessionID {
		delete(m.sessionByUser, o.opts.UserID)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, o := range m.sessions {
		if !o.Status().Terminal() {
			count++
		}
	}
	return count
}

// Shutdown ends every session that is still open.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	open := make([]*Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		if o.Status() != StatusEnded {
			open = append(open, o)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, o := range open {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			o.End(ctx)
			m.markEnded(o.ID())
		}(o)
	}
	wg.Wait()
	m.metrics.SetActiveSessions(m.ActiveCount())
}

func (m *Manager) expireInactive() {
	now := time.Now()
	var idle []*Orchestrator

	m.mu.Lock()
	for id, o := range m.sessions {
		if ended, ok := m.endedAt[id]; ok {
			if now.Sub(ended) >= m.retention {
				delete(m.sessions, id)
				delete(m.endedAt, id)
			}
			continue
		}
		if o.Status() == StatusEnded {
			m.endedAt[id] = now
			continue
		}
		if now.Sub(o.LastActivity()) < m.inactivityTimeout {
			continue
		}
		idle = append(idle, o)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, o := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
		summary := o.End(ctx)
		cancel()
		m.markEnded(o.ID())
		m.metrics.SessionEvent("expired")
		if hook != nil {
			hook(o, summary)
		}
	}
	if len(idle) > 0 {
		m.metrics.SetActiveSessions(m.ActiveCount())
	}
}
