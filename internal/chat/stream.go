package chat

import (
	"context"
	"sync"
	"time"

	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

// StreamManager is the process-wide registry of active streams. One entry per
// stream key; keys are session IDs, or "session:variant" for multi-variant
// requests.
type StreamManager struct {
	mu      sync.Mutex
	streams map[string]context.CancelFunc
	tasks   sync.WaitGroup
	done    chan struct{}
	logger  *logger.Logger
}

// NewStreamManager creates an empty stream registry.
func NewStreamManager(log *logger.Logger) *StreamManager {
	return &StreamManager{
		streams: map[string]context.CancelFunc{},
		done:    make(chan struct{}),
		logger:  log,
	}
}

// TryRegisterStream atomically registers a stream for the key. Returns a
// derived context governed by the stream's cancel token, or an error when a
// stream is already active for the key.
func (m *StreamManager) TryRegisterStream(ctx context.Context, key string) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, active := m.streams[key]; active {
		return nil, domain.Validationf("stream already active for %s", key)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	m.streams[key] = cancel
	return streamCtx, nil
}

// RegisterExistingToken registers an externally created cancel func under a
// composite key, the multi-variant path.
func (m *StreamManager) RegisterExistingToken(key string, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, active := m.streams[key]; active {
		return domain.Validationf("stream already active for %s", key)
	}
	m.streams[key] = cancel
	return nil
}

// CancelStream signals the stream's token and drops the entry. Reports
// whether a stream was active.
func (m *StreamManager) CancelStream(key string) bool {
	m.mu.Lock()
	cancel, ok := m.streams[key]
	delete(m.streams, key)
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// RemoveStream clears the entry without signaling, the completion path.
func (m *StreamManager) RemoveStream(key string) {
	m.mu.Lock()
	cancel, ok := m.streams[key]
	delete(m.streams, key)
	m.mu.Unlock()
	if ok {
		// Release the derived context's resources without treating it as
		// a user cancel; the pipeline has already finished.
		cancel()
	}
}

// HasActiveStream reports whether a stream is registered for the key.
func (m *StreamManager) HasActiveStream(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[key]
	return ok
}

// ActiveStreamCount returns the number of registered streams.
func (m *StreamManager) ActiveStreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Go spawns a tracked, guard-protected task. The guard releases the stream
// entry on every exit path; a panic is logged and swallowed so one stream
// cannot take the process down.
func (m *StreamManager) Go(key string, fn func()) {
	m.tasks.Add(1)
	go func() {
		guard := m.Guard(key)
		defer m.tasks.Done()
		defer guard.Release()
		fn()
	}()
}

// Track runs fn as a tracked task so ShutdownTasks waits for it. Stream
// registration stays with the caller; use Go when the task should also hold
// a guard for its key.
func (m *StreamManager) Track(fn func()) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		fn()
	}()
}

// ShutdownTasks waits up to timeout for tracked tasks to finish. Returns
// true when everything completed in time.
func (m *StreamManager) ShutdownTasks(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// StreamGuard scopes a stream registration. Release is idempotent and must
// run on every exit path; deferred inside the stream task it also fires
// during panic unwinding, which is detected and logged so the "session
// permanently locked" class of bugs is unreachable.
type StreamGuard struct {
	manager  *StreamManager
	key      string
	released bool
	mu       sync.Mutex
}

// Guard wraps an already registered stream key.
func (m *StreamManager) Guard(key string) *StreamGuard {
	return &StreamGuard{manager: m, key: key}
}

// Release removes the stream entry. Safe to call more than once.
func (g *StreamGuard) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	g.mu.Unlock()

	if r := recover(); r != nil {
		g.manager.logger.WithFields(logger.Fields{
			logger.FieldSessionID: g.key,
			"panic":               r,
		}).Error("Panic detected in stream task, releasing stream")
	}
	g.manager.RemoveStream(g.key)
}
