package crm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/crmsync/internal/engine"
)

// DefaultPresenceInterval is how often the connected-employee list is
// re-read from the store.
const DefaultPresenceInterval = 30 * time.Second

// Session tracks who is logged in on this context and their presence flag
// in the employee record set.
//
// Credentials are checked elsewhere; Login trusts the user it is given.
type Session struct {
	eng       *engine.Engine
	employees *Container[Employee]
	log       *slog.Logger

	mu      sync.Mutex
	current *Employee
}

// NewSession creates a Session over eng, flipping presence in employees.
func NewSession(eng *engine.Engine, employees *Container[Employee], log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{eng: eng, employees: employees, log: log}
}

// Current returns the logged-in user, reading the shared session record
// when this context has not logged in itself.
func (s *Session) Current() (Employee, bool) {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur != nil {
		return *cur, true
	}
	return engine.Load[Employee](s.eng, KeySession)
}

// Login records user as the current session and marks them connected.
// It reports whether every write succeeded.
func (s *Session) Login(user Employee) bool {
	user.IsConnected = true
	ok := s.eng.SaveRecord(KeySession, user)
	if user.Role != RoleAdmin {
		ok = s.setConnected(user.ID, true) && ok
	}

	s.mu.Lock()
	s.current = &user
	s.mu.Unlock()

	s.eng.ForceReconcile([]string{KeyEmployees, KeySession})
	s.log.Info("session started", "user", user.ID, "role", user.Role, "synced", ok)
	return ok
}

// Logout clears the current session and marks the user disconnected.
func (s *Session) Logout() bool {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	ok := s.eng.Remove(KeySession)
	if cur != nil && cur.Role != RoleAdmin {
		ok = s.setConnected(cur.ID, false) && ok
	}

	s.eng.ForceReconcile([]string{KeyEmployees, KeySession})
	if cur != nil {
		s.log.Info("session ended", "user", cur.ID, "synced", ok)
	}
	return ok
}

// Connected returns the employees currently flagged as connected.
func (s *Session) Connected() []Employee {
	var out []Employee
	for _, e := range s.employees.Items() {
		if e.IsConnected {
			out = append(out, e)
		}
	}
	return out
}

// WatchPresence re-reads the employee record set every interval until ctx
// is done or the returned stop function is called.
func (s *Session) WatchPresence(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		interval = DefaultPresenceInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.employees.Reload()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (s *Session) setConnected(id string, connected bool) bool {
	found := false
	ok := s.employees.Update(func(items []Employee) []Employee {
		for i := range items {
			if items[i].ID == id {
				items[i].IsConnected = connected
				found = true
			}
		}
		return items
	})
	if !found {
		s.log.Warn("presence not updated: unknown employee", "user", id)
	}
	return ok
}
