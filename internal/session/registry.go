package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Info describes one live interview session.
type Info struct {
	ID             string    `json:"session_id"`
	InterviewID    string    `json:"interview_id,omitempty"`
	CandidateID    string    `json:"candidate_id,omitempty"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	info   Info
	token  uint64
	cancel context.CancelFunc
}

// Registry tracks the broker that owns each session id. There is at most one
// entry per id; registering an id again cancels the previous holder.
type Registry struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	nextToken         uint64
	inactivityTimeout time.Duration
	onExpire          func(Info)
	now               func() time.Time

	// running counts registrations whose deregister has not run yet,
	// including replaced and expired ones still tearing down.
	running int
	drained chan struct{}
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Registry{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) SetExpireHook(hook func(Info)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Register records info under info.ID. cancel is called when the entry is
// replaced, expired or cancelled at shutdown. The returned func removes the
// entry only if it still belongs to this registration.
func (r *Registry) Register(info Info, cancel context.CancelFunc) (deregister func()) {
	now := r.now()
	if info.StartedAt.IsZero() {
		info.StartedAt = now
	}
	info.LastActivityAt = now

	r.mu.Lock()
	r.nextToken++
	r.running++
	token := r.nextToken
	prev := r.sessions[info.ID]
	r.sessions[info.ID] = &entry{info: info, token: token, cancel: cancel}
	r.mu.Unlock()

	if prev != nil && prev.cancel != nil {
		prev.cancel()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if cur, ok := r.sessions[info.ID]; ok && cur.token == token {
				delete(r.sessions, info.ID)
			}
			r.running--
			if r.running == 0 && r.drained != nil {
				close(r.drained)
				r.drained = nil
			}
		})
	}
}

// Drain blocks until every registration has been deregistered or ctx is
// done. Call it after CancelAll so brokers can finish their teardown.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	if r.running == 0 {
		r.mu.Unlock()
		return nil
	}
	if r.drained == nil {
		r.drained = make(chan struct{})
	}
	done := r.drained
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) Get(sessionID string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return Info{}, ErrNotFound
	}
	return e.info, nil
}

func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.info.LastActivityAt = r.now()
	return nil
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the registered session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CancelAll cancels every registered session. Entries are removed by their
// own deregister funcs once the brokers have torn down.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	r.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
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
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	now := r.now()
	var (
		expired []Info
		cancels []context.CancelFunc
	)

	r.mu.Lock()
	for id, e := range r.sessions {
		if now.Sub(e.info.LastActivityAt) < r.inactivityTimeout {
			continue
		}
		delete(r.sessions, id)
		expired = append(expired, e.info)
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if hook != nil {
		for _, info := range expired {
			hook(info)
		}
	}
}
