package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const ReasonIdleTimeout = "idle_timeout"

var (
	ErrNotFound  = errors.New("relay not found")
	ErrDuplicate = errors.New("relay already registered")
)

// Tracked is a live relay as seen by the registry. The registry never touches
// sockets; it only asks relays to shut themselves down.
type Tracked interface {
	ID() string
	LastActivity() time.Time
	Shutdown(reason string)
	Done() <-chan struct{}
}

type entry struct {
	relay   Tracked
	addedAt time.Time
	expired bool
}

// Manager tracks relays for the lifetime of their media-stream connection.
type Manager struct {
	mu          sync.RWMutex
	relays      map[string]*entry
	idleTimeout time.Duration
	onExpire    func(Tracked)
	now         func() time.Time
}

// NewManager returns a registry. idleTimeout <= 0 disables idle expiry.
func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout < 0 {
		idleTimeout = 0
	}
	return &Manager{
		relays:      make(map[string]*entry),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

func (m *Manager) SetExpireHook(hook func(Tracked)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) IdleTimeout() time.Duration { return m.idleTimeout }

func (m *Manager) Add(t Tracked) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := t.ID()
	if _, ok := m.relays[id]; ok {
		return ErrDuplicate
	}
	m.relays[id] = &entry{relay: t, addedAt: m.now()}
	return nil
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.relays, id)
}

func (m *Manager) Get(id string) (Tracked, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.relays[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.relay, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}

// IDs returns registered relay ids in registration order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	type pair struct {
		id string
		at time.Time
	}
	pairs := make([]pair, 0, len(m.relays))
	for id, e := range m.relays {
		pairs = append(pairs, pair{id: id, at: e.addedAt})
	}
	m.mu.RUnlock()

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].at.Equal(pairs[j].at) {
			return pairs[i].id < pairs[j].id
		}
		return pairs[i].at.Before(pairs[j].at)
	})
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.id
	}
	return out
}

// CloseAll signals every registered relay. Relays deregister themselves when they finish.
func (m *Manager) CloseAll(reason string) int {
	m.mu.RLock()
	relays := make([]Tracked, 0, len(m.relays))
	for _, e := range m.relays {
		relays = append(relays, e.relay)
	}
	m.mu.RUnlock()

	for _, r := range relays {
		r.Shutdown(reason)
	}
	return len(relays)
}

// Wait blocks until every relay registered at call time has finished, or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.RLock()
	relays := make([]Tracked, 0, len(m.relays))
	for _, e := range m.relays {
		relays = append(relays, e.relay)
	}
	m.mu.RUnlock()

	for _, r := range relays {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if m.idleTimeout <= 0 {
		return
	}
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

func (m *Manager) expireInactive() []Tracked {
	if m.idleTimeout <= 0 {
		return nil
	}
	now := m.now()
	var expired []Tracked

	m.mu.Lock()
	for _, e := range m.relays {
		if e.expired {
			continue
		}
		if now.Sub(e.relay.LastActivity()) < m.idleTimeout {
			continue
		}
		e.expired = true
		expired = append(expired, e.relay)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, r := range expired {
		r.Shutdown(ReasonIdleTimeout)
		if hook != nil {
			hook(r)
		}
	}
	return expired
}
