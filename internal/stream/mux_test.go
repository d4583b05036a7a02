package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tickrelay/internal/domain"
	"tickrelay/internal/telemetry"
	"tickrelay/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records upstream commands and lets tests drive connection
// lifecycle events.
type fakeConn struct {
	mu         sync.Mutex
	connects   int
	subscribes [][]string
	unsubs     [][]string
	onUpdate   upstream.UpdateHandler
	closed     chan error

	connectErr error
	gate       chan struct{} // when set, Connect consumes one token per attempt
	subGate    chan struct{} // when set, Subscribe consumes one token per call
}

func (c *fakeConn) Connect(ctx context.Context, onUpdate upstream.UpdateHandler) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.connects++
	c.onUpdate = onUpdate
	c.closed = make(chan error, 1)
	c.mu.Unlock()
	return c.connectErr
}

func (c *fakeConn) Subscribe(ctx context.Context, topics ...string) error {
	if c.subGate != nil {
		select {
		case <-c.subGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]string, len(topics))
	copy(batch, topics)
	c.subscribes = append(c.subscribes, batch)
	return nil
}

func (c *fakeConn) Unsubscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]string, len(topics))
	copy(batch, topics)
	c.unsubs = append(c.unsubs, batch)
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }

func (c *fakeConn) Closed() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error { return nil }

// terminate simulates the upstream connection dying.
func (c *fakeConn) terminate(err error) {
	c.mu.Lock()
	ch := c.closed
	c.mu.Unlock()
	ch <- err
}

func (c *fakeConn) deliver(u domain.StreamUpdate) {
	c.mu.Lock()
	h := c.onUpdate
	c.mu.Unlock()
	h(u)
}

func (c *fakeConn) subscribeCalls() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.subscribes))
	copy(out, c.subscribes)
	return out
}

func (c *fakeConn) unsubscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unsubs)
}

func (c *fakeConn) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func testOptions() Options {
	return Options{
		Heartbeat:        time.Hour, // keep heartbeats out of these tests
		MaxReconnects:    5,
		Backoff:          Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
		ReplayBufferSize: 16,
		SubscriberBuffer: 8,
	}
}

func waitForState(t *testing.T, m *Mux, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.State(), want)
}

func TestSubscribeRefcountWhileDisconnected(t *testing.T) {
	conn := &fakeConn{}
	m := NewMux(conn, telemetry.NewRegistry(nil, nil, testLogger()), testOptions(), testLogger())
	ctx := context.Background()

	if _, err := m.Subscribe(ctx, "AAPL", "s1"); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if _, err := m.Subscribe(ctx, "AAPL", "s2"); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	if got := m.Refcount("AAPL"); got != 2 {
		t.Errorf("Refcount = %d, want 2", got)
	}
	// Disconnected: intent is recorded locally, nothing goes upstream.
	if got := len(conn.subscribeCalls()); got != 0 {
		t.Errorf("upstream subscribes = %d, want 0 while disconnected", got)
	}

	if err := m.Unsubscribe(ctx, "AAPL", "s1"); err != nil {
		t.Fatalf("Unsubscribe returned error: %v", err)
	}
	if got := m.Refcount("AAPL"); got != 1 {
		t.Errorf("Refcount = %d, want 1", got)
	}

	if err := m.Unsubscribe(ctx, "AAPL", "s2"); err != nil {
		t.Fatalf("Unsubscribe returned error: %v", err)
	}
	if got := len(m.ActiveTopics()); got != 0 {
		t.Errorf("ActiveTopics = %v, want empty", m.ActiveTopics())
	}
}

func TestSubscribeUpstreamOnlyOnFirst(t *testing.T) {
	conn := &fakeConn{}
	m := NewMux(conn, telemetry.NewRegistry(nil, nil, testLogger()), testOptions(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitForState(t, m, StateStreaming)

	ch1, err := m.Subscribe(ctx, "AAPL", "s1")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if _, err := m.Subscribe(ctx, "AAPL", "s2"); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	if got := len(conn.subscribeCalls()); got != 1 {
		t.Errorf("upstream subscribes = %d, want 1 for the 0 to 1 transition", got)
	}

	// Re-subscribing the same subscriber is idempotent.
	again, err := m.Subscribe(ctx, "AAPL", "s1")
	if err != nil {
		t.Fatalf("repeat Subscribe returned error: %v", err)
	}
	if again != ch1 {
		t.Error("repeat Subscribe returned a different channel")
	}
	if got := len(conn.subscribeCalls()); got != 1 {
		t.Errorf("upstream subscribes = %d after idempotent re-subscribe, want 1", got)
	}

	// Only the last unsubscribe goes upstream.
	if err := m.Unsubscribe(ctx, "AAPL", "s1"); err != nil {
		t.Fatalf("Unsubscribe returned error: %v", err)
	}
	if got := conn.unsubscribeCalls(); got != 0 {
		t.Errorf("upstream unsubscribes = %d, want 0 while refcount > 0", got)
	}
	if err := m.Unsubscribe(ctx, "AAPL", "s2"); err != nil {
		t.Fatalf("Unsubscribe returned error: %v", err)
	}
	if got := conn.unsubscribeCalls(); got != 1 {
		t.Errorf("upstream unsubscribes = %d, want 1 for the 1 to 0 transition", got)
	}
}

func TestFanOutDeliversToTopicSubscribers(t *testing.T) {
	conn := &fakeConn{}
	m := NewMux(conn, telemetry.NewRegistry(nil, nil, testLogger()), testOptions(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitForState(t, m, StateStreaming)

	aapl, _ := m.Subscribe(ctx, "AAPL", "s1")
	msft, _ := m.Subscribe(ctx, "MSFT", "s1")

	conn.deliver(domain.StreamUpdate{Kind: domain.UpdateTrade, Topic: "AAPL", Price: 180})

	select {
	case u := <-aapl:
		if u.Price != 180 {
			t.Errorf("update price = %v, want 180", u.Price)
		}
	case <-time.After(time.Second):
		t.Fatal("AAPL subscriber never received the update")
	}

	select {
	case u := <-msft:
		t.Errorf("MSFT subscriber received foreign update: %+v", u)
	default:
	}
}

func TestUpdatesBufferedWhileDisconnectedAreReplayed(t *testing.T) {
	conn := &fakeConn{}
	reg := telemetry.NewRegistry(nil, nil, testLogger())
	m := NewMux(conn, reg, testOptions(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := m.Subscribe(ctx, "AAPL", "s1")

	// Updates arriving before streaming land in the replay buffer.
	m.handleUpdate(domain.StreamUpdate{Kind: domain.UpdateTrade, Topic: "AAPL", Price: 101})
	if backlog := m.Signals().Backlog; backlog != 1 {
		t.Fatalf("replay backlog = %d, want 1", backlog)
	}

	go m.Run(ctx)
	waitForState(t, m, StateStreaming)

	select {
	case u := <-ch:
		if u.Price != 101 {
			t.Errorf("replayed price = %v, want 101", u.Price)
		}
	case <-time.After(time.Second):
		t.Fatal("buffered update was never replayed")
	}
}

func TestReplayBufferDropsOldestOnOverflow(t *testing.T) {
	conn := &fakeConn{}
	reg := telemetry.NewRegistry(nil, nil, testLogger())
	opts := testOptions()
	opts.ReplayBufferSize = 2
	m := NewMux(conn, reg, opts, testLogger())

	for i := 1; i <= 3; i++ {
		m.handleUpdate(domain.StreamUpdate{Topic: "AAPL", Price: float64(i)})
	}

	if backlog := m.Signals().Backlog; backlog != 2 {
		t.Errorf("replay backlog = %d, want 2", backlog)
	}
	if dropped := reg.Get("stream", "dropped_updates"); dropped != 1 {
		t.Errorf("dropped_updates = %d, want 1", dropped)
	}
}

func TestSlowSubscriberLosesOldestUpdate(t *testing.T) {
	conn := &fakeConn{}
	reg := telemetry.NewRegistry(nil, nil, testLogger())
	opts := testOptions()
	opts.SubscriberBuffer = 1
	m := NewMux(conn, reg, opts, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitForState(t, m, StateStreaming)

	ch, _ := m.Subscribe(ctx, "AAPL", "slow")

	conn.deliver(domain.StreamUpdate{Topic: "AAPL", Price: 1})
	conn.deliver(domain.StreamUpdate{Topic: "AAPL", Price: 2})

	select {
	case u := <-ch:
		if u.Price != 2 {
			t.Errorf("delivered price = %v, want the newest update (2)", u.Price)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}
	if dropped := reg.Get("stream", "dropped_updates"); dropped != 1 {
		t.Errorf("dropped_updates = %d, want 1", dropped)
	}
}

func TestReconnectResubscribesCurrentTopicsOnly(t *testing.T) {
	gate := make(chan struct{}, 8)
	gate <- struct{}{} // first connect passes immediately
	conn := &fakeConn{gate: gate}
	reg := telemetry.NewRegistry(nil, nil, testLogger())
	m := NewMux(conn, reg, testOptions(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitForState(t, m, StateStreaming)

	if _, err := m.Subscribe(ctx, "AAPL", "s1"); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if _, err := m.Subscribe(ctx, "MSFT", "s1"); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	// Drop the connection; the mux blocks on the gate while reconnecting.
	conn.terminate(errors.New("socket reset"))
	waitForState(t, m, StateConnecting)

	// The subscriber loses interest in MSFT during the outage.
	if err := m.Unsubscribe(ctx, "MSFT", "s1"); err != nil {
		t.Fatalf("Unsubscribe returned error: %v", err)
	}

	gate <- struct{}{}
	waitForState(t, m, StateStreaming)

	calls := conn.subscribeCalls()
	last := calls[len(calls)-1]
	if len(last) != 1 || last[0] != "AAPL" {
		t.Errorf("resubscribe batch = %v, want [AAPL] only", last)
	}
	if got := reg.Get("stream", "reconnects"); got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
}

func TestSubscribeDuringResubscribeGoesUpstream(t *testing.T) {
	gate := make(chan struct{}, 4)
	subGate := make(chan struct{}, 4)
	gate <- struct{}{}    // first connect passes immediately
	subGate <- struct{}{} // first upstream subscribe passes immediately
	conn := &fakeConn{gate: gate, subGate: subGate}
	reg := telemetry.NewRegistry(nil, nil, testLogger())
	m := NewMux(conn, reg, testOptions(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitForState(t, m, StateStreaming)

	if _, err := m.Subscribe(ctx, "AAPL", "s1"); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	// Drop the connection, let it reconnect, and hold the mux inside the
	// resubscribe network call.
	conn.terminate(errors.New("socket reset"))
	waitForState(t, m, StateConnecting)
	gate <- struct{}{}
	waitForState(t, m, StateAuthenticated)

	// A brand-new first subscriber lands while the AAPL batch is on the
	// wire. It must still reach upstream before the mux starts streaming.
	if _, err := m.Subscribe(ctx, "MSFT", "s2"); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	subGate <- struct{}{}
	subGate <- struct{}{}
	waitForState(t, m, StateStreaming)

	var sawMSFT bool
	for _, batch := range conn.subscribeCalls() {
		for _, topic := range batch {
			if topic == "MSFT" {
				sawMSFT = true
			}
		}
	}
	if !sawMSFT {
		t.Errorf("MSFT has refcount %d but no upstream subscribe was issued: %v",
			m.Refcount("MSFT"), conn.subscribeCalls())
	}
}

func TestNewMuxDefaultsZeroOptions(t *testing.T) {
	conn := &fakeConn{}
	m := NewMux(conn, telemetry.NewRegistry(nil, nil, testLogger()), Options{MaxReconnects: 1}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitForState(t, m, StateStreaming)
}

func TestRunGivesUpAfterReconnectBudget(t *testing.T) {
	conn := &fakeConn{connectErr: errors.New("refused")}
	opts := testOptions()
	opts.MaxReconnects = 2
	m := NewMux(conn, telemetry.NewRegistry(nil, nil, testLogger()), opts, testLogger())

	err := m.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil, want terminal connect error")
	}
	if got := conn.connectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2}

	wants := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond, // capped
		500 * time.Millisecond,
	}
	for i, want := range wants {
		if got := b.Next(i + 1); got != want {
			t.Errorf("Next(%d) = %v, want %v", i+1, got, want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}

	for i := 0; i < 100; i++ {
		got := b.Next(1)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("Next(1) = %v, want within ±50%% of 100ms", got)
		}
	}
}
