// Package stream implements the connection multiplexer: one shared upstream
// streaming connection, reference-counted topic subscriptions, and local
// fan-out of typed updates to per-subscriber channels.
package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tickrelay/internal/domain"
	"tickrelay/internal/telemetry"
	"tickrelay/internal/upstream"
)

const service = "stream"

// State is the multiplexer connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateStreaming
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Options configures the multiplexer.
type Options struct {
	Heartbeat        time.Duration
	MaxReconnects    int // bounded reconnect attempts before giving up
	Backoff          Backoff
	ReplayBufferSize int // bounded buffer of undelivered updates
	SubscriberBuffer int // per-subscriber channel capacity
}

// Mux owns the single upstream streaming connection. It is the only
// component allowed to write to it.
type Mux struct {
	conn upstream.Conn
	reg  *telemetry.Registry
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	state  State
	topics map[string]map[string]struct{}                 // topic -> subscriber ids (refcount = len)
	outs   map[string]map[string]chan domain.StreamUpdate // topic -> subscriber id -> delivery channel
	sent   map[string]struct{}                            // topics subscribed on the live connection
	replay []domain.StreamUpdate                          // bounded; oldest dropped on overflow
}

// NewMux creates a multiplexer over conn. Run must be called to connect.
func NewMux(conn upstream.Conn, reg *telemetry.Registry, opts Options, log *slog.Logger) *Mux {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.ReplayBufferSize <= 0 {
		opts.ReplayBufferSize = 1024
	}
	return &Mux{
		conn:   conn,
		reg:    reg,
		opts:   opts,
		log:    log.With("component", "stream"),
		state:  StateDisconnected,
		topics: make(map[string]map[string]struct{}),
		outs:   make(map[string]map[string]chan domain.StreamUpdate),
		sent:   make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (m *Mux) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mux) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.log.Debug("state transition", "from", prev.String(), "to", s.String())
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscribe adds subscriberID to the topic's set and returns the channel the
// subscriber will receive updates on. Only the 0→1 refcount transition
// issues an upstream subscribe command; later subscribers attach locally.
func (m *Mux) Subscribe(ctx context.Context, topic, subscriberID string) (<-chan domain.StreamUpdate, error) {
	m.mu.Lock()
	set, ok := m.topics[topic]
	if !ok {
		set = make(map[string]struct{})
		m.topics[topic] = set
		m.outs[topic] = make(map[string]chan domain.StreamUpdate)
	}

	if ch, exists := m.outs[topic][subscriberID]; exists {
		// Idempotent: the subscriber already holds this topic.
		m.mu.Unlock()
		return ch, nil
	}
	set[subscriberID] = struct{}{}
	ch := make(chan domain.StreamUpdate, m.opts.SubscriberBuffer)
	m.outs[topic][subscriberID] = ch

	// While not streaming the refcount table alone records intent; the
	// reconnect path reconciles the table against the sent set before it
	// flips back to streaming, so a topic added mid-reconnect is picked up
	// there rather than here.
	_, already := m.sent[topic]
	needUpstream := m.state == StateStreaming && !already
	if needUpstream {
		m.sent[topic] = struct{}{}
	}
	m.mu.Unlock()

	m.reg.Add(service, "local_subscribers", 1)

	if needUpstream {
		if err := m.conn.Subscribe(ctx, topic); err != nil {
			m.mu.Lock()
			delete(m.sent, topic)
			m.mu.Unlock()
			m.dropSubscriber(topic, subscriberID)
			return nil, err
		}
		m.reg.Add(service, "upstream_subscribes", 1)
	}

	return ch, nil
}

// Unsubscribe removes subscriberID from the topic's set. Only the 1→0
// transition issues an upstream unsubscribe; the topic's fan-out state is
// discarded with it.
func (m *Mux) Unsubscribe(ctx context.Context, topic, subscriberID string) error {
	needUnsub, existed := m.dropSubscriber(topic, subscriberID)
	if !existed {
		return nil
	}

	if needUnsub {
		if err := m.conn.Unsubscribe(ctx, topic); err != nil {
			return err
		}
		m.reg.Add(service, "upstream_unsubscribes", 1)
	}
	return nil
}

// dropSubscriber removes local fan-out state for one subscriber. Returns
// whether the caller must issue an upstream unsubscribe (the refcount hit
// zero on a topic the live connection carries) and whether the subscriber
// existed.
func (m *Mux) dropSubscriber(topic, subscriberID string) (needUnsub, existed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.topics[topic]
	if !ok {
		return false, false
	}
	if _, existed = set[subscriberID]; !existed {
		return false, false
	}

	delete(set, subscriberID)
	if ch, ok := m.outs[topic][subscriberID]; ok {
		close(ch)
		delete(m.outs[topic], subscriberID)
	}

	if len(set) == 0 {
		delete(m.topics, topic)
		delete(m.outs, topic)
		_, wasSent := m.sent[topic]
		delete(m.sent, topic)
		return wasSent && m.state == StateStreaming, true
	}
	return false, true
}

// UnsubscribeAll removes every topic held by subscriberID, issuing upstream
// unsubscribes for topics whose refcount reaches zero.
func (m *Mux) UnsubscribeAll(ctx context.Context, subscriberID string) error {
	m.mu.Lock()
	var held []string
	for topic, set := range m.topics {
		if _, ok := set[subscriberID]; ok {
			held = append(held, topic)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, topic := range held {
		if err := m.Unsubscribe(ctx, topic, subscriberID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ActiveTopics returns the sorted set of topics with refcount > 0.
func (m *Mux) ActiveTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	topics := make([]string, 0, len(m.topics))
	for topic, set := range m.topics {
		if len(set) > 0 {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// Refcount returns the subscriber count for a topic.
func (m *Mux) Refcount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Run owns the connect / stream / reconnect loop until ctx is cancelled or
// the bounded reconnect budget is spent. Reconnection uses capped
// exponential backoff; on success it resubscribes to exactly the topics
// whose refcount is currently greater than zero.
func (m *Mux) Run(ctx context.Context) error {
	attempt := 0

	for {
		m.setState(StateConnecting)
		m.mu.Lock()
		m.sent = make(map[string]struct{}) // fresh connection carries nothing yet
		m.mu.Unlock()
		err := m.conn.Connect(ctx, m.handleUpdate)
		if err != nil {
			m.setState(StateDisconnected)
			m.reg.Add(service, "errors", 1)
			attempt++
			if attempt > m.opts.MaxReconnects {
				m.log.Error("reconnect budget exhausted", "attempts", attempt-1, "error", err)
				return err
			}

			wait := m.opts.Backoff.Next(attempt)
			m.log.Warn("connect failed, backing off", "attempt", attempt, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		m.setState(StateConnected)
		m.setState(StateAuthenticated)

		// Resubscribe from the live refcount table, never from buffered
		// message history. Subscriptions can land while a batch is on the
		// wire, so loop until the table and the sent set agree, then flip
		// to streaming under the same lock that proved them equal.
		var resubErr error
		for {
			m.mu.Lock()
			var pending []string
			for topic, set := range m.topics {
				if _, ok := m.sent[topic]; !ok && len(set) > 0 {
					pending = append(pending, topic)
				}
			}
			if len(pending) == 0 {
				if attempt > 0 {
					m.reg.Add(service, "reconnects", 1)
				}
				attempt = 0
				m.state = StateStreaming
				m.mu.Unlock()
				break
			}
			sort.Strings(pending)
			for _, topic := range pending {
				m.sent[topic] = struct{}{}
			}
			m.mu.Unlock()

			if resubErr = m.conn.Subscribe(ctx, pending...); resubErr != nil {
				break
			}
			m.reg.Add(service, "upstream_subscribes", int64(len(pending)))
		}
		if resubErr != nil {
			m.log.Warn("resubscribe failed", "error", resubErr)
			m.reg.Add(service, "errors", 1)
			m.conn.Close()
			m.setState(StateDisconnected)
			attempt++
			continue
		}
		m.log.Debug("state transition", "from", StateAuthenticated.String(), "to", StateStreaming.String())
		m.replayBuffered()

		if done := m.streamUntilClosed(ctx); done {
			return nil
		}
		m.setState(StateDisconnected)
		attempt++
	}
}

// streamUntilClosed runs heartbeats until the connection dies or ctx ends.
// Returns true when the caller should stop for good.
func (m *Mux) streamUntilClosed(ctx context.Context) bool {
	heartbeat := time.NewTicker(m.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			m.conn.Close()
			m.setState(StateDisconnected)
			return true

		case <-heartbeat.C:
			if err := m.conn.Ping(ctx); err != nil {
				m.log.Warn("heartbeat failed", "error", err)
				m.reg.Add(service, "errors", 1)
				m.conn.Close()
				return false
			}
			m.reg.Add(service, "heartbeats", 1)

		case err := <-m.conn.Closed():
			m.log.Warn("connection terminated", "error", err)
			m.reg.Add(service, "disconnects", 1)
			return false
		}
	}
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// handleUpdate receives every parsed update off the socket. While streaming
// it fans out immediately; otherwise the update lands in the bounded replay
// buffer (oldest dropped on overflow).
func (m *Mux) handleUpdate(u domain.StreamUpdate) {
	m.reg.Add(service, "updates", 1)

	m.mu.Lock()
	if m.state != StateStreaming {
		if len(m.replay) >= m.opts.ReplayBufferSize {
			m.replay = m.replay[1:]
			m.reg.Add(service, "dropped_updates", 1)
		}
		m.replay = append(m.replay, u)
		m.mu.Unlock()
		return
	}
	m.fanOutLocked(u)
	m.mu.Unlock()
}

// replayBuffered drains the replay buffer into the fan-out.
func (m *Mux) replayBuffered() {
	m.mu.Lock()
	buffered := m.replay
	m.replay = nil
	for _, u := range buffered {
		m.fanOutLocked(u)
	}
	m.mu.Unlock()

	if len(buffered) > 0 {
		m.log.Info("replayed buffered updates", "count", len(buffered))
	}
}

// fanOutLocked delivers one update to every current subscriber of its
// topic. Slow subscribers lose their oldest buffered update rather than
// blocking receipt. Caller holds m.mu.
func (m *Mux) fanOutLocked(u domain.StreamUpdate) {
	for _, ch := range m.outs[u.Topic] {
		select {
		case ch <- u:
		default:
			// Full: drop the oldest, count it, deliver the newest.
			select {
			case <-ch:
				m.reg.Add(service, "dropped_updates", 1)
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Health probe
// ---------------------------------------------------------------------------

// Compile-time probe check.
var _ telemetry.Probe = (*Mux)(nil)

// ProbeName identifies this component in health reports.
func (m *Mux) ProbeName() string { return service }

// Signals reports connection state, replay backlog, and error count.
func (m *Mux) Signals() telemetry.Signals {
	m.mu.Lock()
	online := m.state == StateStreaming
	backlog := len(m.replay)
	m.mu.Unlock()

	return telemetry.Signals{
		Online:  online,
		HitRate: -1,
		Backlog: backlog,
		Errors:  m.reg.Get(service, "errors"),
	}
}
