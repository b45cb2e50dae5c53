// Package streaming implements the Streaming Manager of spec.md §4.J:
// the single public surface for SSE streams, fanning each runner's
// events out to every subscribed listener and tearing the runner down
// once its last subscriber leaves.
package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/nshkrdotcom/gemini-go/sse"
)

// subscriberGracePeriod is how long after registration a subscriber can
// unsubscribe without its departure cancelling the runner, even when it
// was the last subscriber (spec.md §4.J: "~50 ms").
const subscriberGracePeriod = 50 * time.Millisecond

// StreamState is the per-stream bookkeeping the manager exposes for
// observability.
type StreamState struct {
	ID           string
	Model        string
	EventsCount  int
	LastEventAt  time.Time
	Done         bool
	subscribers  map[string]chan sse.Event
	addedAt      map[string]time.Time
	cancel       context.CancelFunc
	releaseFn    func()
}

// Manager owns every active stream's registry; all mutations go
// through its own mutex-guarded map (spec.md §5: "owned by one
// coordinator task; all mutations go through its mailbox" — here, the
// mutex plays that role since Go's idiom favours synchronized shared
// state over a dedicated mailbox goroutine for this access pattern).
type Manager struct {
	mu         sync.Mutex
	streams    map[string]*StreamState
	maxStreams int
}

// NewManager creates a Manager enforcing maxStreams concurrent streams.
func NewManager(maxStreams int) *Manager {
	if maxStreams <= 0 {
		maxStreams = 100
	}
	return &Manager{streams: make(map[string]*StreamState), maxStreams: maxStreams}
}

// Start registers a new stream, spawning runner under ctx (cancel stops
// it) and relaying its events. releaseFn is called exactly once, when
// the stream terminates or its last subscriber leaves.
func (m *Manager) Start(ctx context.Context, model string, runner *sse.Runner, cancel context.CancelFunc, releaseFn func()) (string, error) {
	m.mu.Lock()
	if len(m.streams) >= m.maxStreams {
		m.mu.Unlock()
		return "", apierror.New(apierror.KindMaxStreamsReached, "max_streams_reached", nil)
	}
	id := uuid.NewString()
	st := &StreamState{
		ID:          id,
		Model:       model,
		subscribers: make(map[string]chan sse.Event),
		addedAt:     make(map[string]time.Time),
		cancel:      cancel,
		releaseFn:   releaseFn,
	}
	m.streams[id] = st
	m.mu.Unlock()

	go m.pump(id, runner)

	return id, nil
}

func (m *Manager) pump(streamID string, runner *sse.Runner) {
	for ev := range runner.Out {
		m.mu.Lock()
		st, ok := m.streams[streamID]
		if !ok {
			m.mu.Unlock()
			return
		}
		st.EventsCount++
		st.LastEventAt = time.Now()
		if ev.Kind == sse.EventComplete || ev.Kind == sse.EventError {
			st.Done = true
		}
		subs := make([]chan sse.Event, 0, len(st.subscribers))
		for _, ch := range st.subscribers {
			subs = append(subs, ch)
		}
		m.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- ev:
			case <-time.After(time.Second):
			}
		}

		if st.Done {
			m.finish(streamID)
			return
		}
	}
	// The runner closed Out without a terminal event (its ctx was
	// cancelled by Stop or by the last subscriber leaving).
	m.finish(streamID)
}

func (m *Manager) finish(streamID string) {
	m.mu.Lock()
	st, ok := m.streams[streamID]
	if ok {
		delete(m.streams, streamID)
	}
	m.mu.Unlock()

	if ok {
		for _, ch := range st.subscribers {
			close(ch)
		}
		if st.releaseFn != nil {
			st.releaseFn()
		}
	}
}

// Subscribe adds a subscriber to streamID, returning its event channel.
// If the subscriber unsubscribes within subscriberGracePeriod of
// registration, Unsubscribe still removes it but does not cancel the
// runner, even when no subscribers remain.
func (m *Manager) Subscribe(streamID, subscriberID string) (<-chan sse.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[streamID]
	if !ok {
		return nil, apierror.New(apierror.KindInvalidState, "unknown stream", nil)
	}
	ch := make(chan sse.Event, 16)
	st.subscribers[subscriberID] = ch
	st.addedAt[subscriberID] = time.Now()
	return ch, nil
}

// Unsubscribe removes subscriberID from streamID. If this was the last
// subscriber and the registration grace period has elapsed, the
// underlying runner is cancelled — an active stream with zero
// subscribers is wasted work.
func (m *Manager) Unsubscribe(streamID, subscriberID string) {
	m.mu.Lock()
	st, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return
	}
	addedAt, withinGrace := st.addedAt[subscriberID]
	withinGrace = withinGrace && time.Since(addedAt) < subscriberGracePeriod
	if ch, ok := st.subscribers[subscriberID]; ok {
		delete(st.subscribers, subscriberID)
		delete(st.addedAt, subscriberID)
		close(ch)
	}
	empty := len(st.subscribers) == 0
	cancel := st.cancel
	m.mu.Unlock()

	if empty && !withinGrace && cancel != nil {
		cancel()
	}
}

// Stop cancels streamID's runner unconditionally (spec.md §4.J:
// `stop`).
func (m *Manager) Stop(streamID string) {
	m.mu.Lock()
	st, ok := m.streams[streamID]
	m.mu.Unlock()
	if ok && st.cancel != nil {
		st.cancel()
	}
}

// Status returns a snapshot of streamID's bookkeeping.
func (m *Manager) Status(streamID string) (StreamState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[streamID]
	if !ok {
		return StreamState{}, false
	}
	return *st, true
}

// List returns every active stream's ID.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	return ids
}
