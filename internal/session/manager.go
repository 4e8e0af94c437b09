package session

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/vision-backend/internal/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Manager accepts vision sessions and tracks the live ones.
type Manager struct {
	processor Processor
	publisher events.Publisher
	store     *Store
	opts      Options
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup

	closeSession func(*Session)
}

// NewManager builds a session manager. store may be nil, in which case
// finished sessions are not recorded.
func NewManager(processor Processor, publisher events.Publisher, store *Store, opts Options, logger *slog.Logger) *Manager {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Manager{
		processor: processor,
		publisher: publisher,
		store:     store,
		opts:      opts,
		logger:    logger.With("component", "session"),
		sessions:  make(map[string]*Session),
		closeSession: func(s *Session) {
			s.Close(websocket.CloseGoingAway, "server shutting down")
		},
	}
}

func (m *Manager) RegisterRoutes(e *echo.Echo, middleware ...echo.MiddlewareFunc) {
	e.GET("/ws/vision", m.HandleWebSocket, middleware...)
}

func (m *Manager) HandleWebSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", "error", err)
		return err
	}

	ctx := context.WithoutCancel(c.Request().Context())
	s := newSession(ctx, uuid.NewString(), ws, m.processor, m.publisher, m.opts, m.logger)

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		m.closeSession(s)
		return nil
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
		m.wg.Done()
	}()

	summary := s.Run()

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.RecordSession(ctx, summary); err != nil {
			m.logger.Warn("failed to record session", "session_id", s.id, "error", err)
		}
	}
	return nil
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Active returns summaries of the live sessions, oldest first.
func (m *Manager) Active() []Summary {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Summary())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown closes every live session and waits for them to finish or for
// ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		m.closeSession(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
