package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/capitalize-ai/chatstream/internal/model"
)

// State is a step of a send's lifecycle.
type State int

const (
	StateInit State = iota
	StateAwaitingUserPersist
	StateStreaming
	StateFinalizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingUserPersist:
		return "awaiting_user_persist"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	// ErrClientGone is the failure cause when the consumer closes its end.
	ErrClientGone = errors.New("client disconnected")
	// ErrCancelled is the failure cause of an explicit cancel request.
	ErrCancelled = errors.New("stream cancelled")
	// ErrSlowConsumer is the failure cause when an event is not accepted in time.
	ErrSlowConsumer = errors.New("client stopped reading")
	// ErrStreamTimeout is the failure cause when a reply runs too long.
	ErrStreamTimeout = errors.New("stream timed out")
	// ErrShuttingDown is the failure cause of streams cut by shutdown.
	ErrShuttingDown = errors.New("server shutting down")
)

// Stream is the consumer's handle on one send. Events arrive in order on
// Events; the channel is closed after the reply is persisted. Err is nil if
// the last event was the finish frame and describes the failure otherwise.
type Stream struct {
	SessionID     string
	MessageID     string
	UserMessageID string
	Created       bool

	ownerID string
	events  chan model.StreamEvent
	done    chan struct{}
	cancel  context.CancelCauseFunc

	mu    sync.Mutex
	state State
	err   error
}

func newStream(ownerID string, buffer int, cancel context.CancelCauseFunc) *Stream {
	return &Stream{
		ownerID: ownerID,
		events:  make(chan model.StreamEvent, buffer),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
}

// Events returns the event channel.
func (s *Stream) Events() <-chan model.StreamEvent {
	return s.events
}

// Done is closed once the stream reached a terminal state.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure cause. It is meaningful once Events is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel closes the consumer's end. The relay stops generation and saves
// what it has so far.
func (s *Stream) Cancel() {
	s.cancel(ErrClientGone)
}

func (s *Stream) transition(to State) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = to
	}
	s.mu.Unlock()
}

// finish records the terminal state and closes the event channel.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	if err != nil {
		s.state = StateFailed
	} else {
		s.state = StateCompleted
	}
	s.mu.Unlock()
	close(s.events)
}

func (s *Stream) frame(text string, finish bool) model.StreamEvent {
	return model.StreamEvent{SessionID: s.SessionID, MessageID: s.MessageID, Text: text, Finish: finish}
}

// emit hands one event to the consumer, giving up when the stream is
// cancelled or the consumer does not take it within timeout.
func (s *Stream) emit(ctx context.Context, ev model.StreamEvent, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-expired:
		return ErrSlowConsumer
	}
}

// registry tracks the stream in flight for each session. Once closed it
// refuses new streams, and wait blocks until every added stream is done.
type registry struct {
	mu      sync.Mutex
	closed  bool
	streams map[string]*Stream
	active  sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{streams: make(map[string]*Stream)}
}

// add claims the session for s. A successful add must be paired with done.
func (r *registry) add(sessionID string, s *Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShuttingDown
	}
	if _, busy := r.streams[sessionID]; busy {
		return model.ErrConcurrentSend
	}
	r.streams[sessionID] = s
	r.active.Add(1)
	return nil
}

func (r *registry) remove(sessionID string, s *Stream) {
	r.mu.Lock()
	if r.streams[sessionID] == s {
		delete(r.streams, sessionID)
	}
	r.mu.Unlock()
}

func (r *registry) done() {
	r.active.Done()
}

func (r *registry) get(sessionID string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[sessionID]
	return s, ok
}

func (r *registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// close stops further adds and returns the streams still in flight.
func (r *registry) close() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	return out
}

func (r *registry) wait() {
	r.active.Wait()
}
