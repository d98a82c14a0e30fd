package kit

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakePort is an in-memory kit link. Bytes pushed with inject are returned
// by Read; every Write is recorded.
type fakePort struct {
	mu         sync.Mutex
	writes     []string
	writeTimes []time.Time
	autoAck    bool

	rx        chan []byte
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePort(autoAck bool) *fakePort {
	return &fakePort{
		autoAck: autoAck,
		rx:      make(chan []byte, 64),
		fail:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.rx:
		return copy(b, data), nil
	case err := <-p.fail:
		return 0, err
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errors.New("fake port closed")
	default:
	}
	s := string(b)
	p.mu.Lock()
	p.writes = append(p.writes, s)
	p.writeTimes = append(p.writeTimes, time.Now())
	p.mu.Unlock()

	if p.autoAck {
		if ack, ok := DeriveExpectedAck(strings.TrimSuffix(s, "$")); ok {
			p.rx <- []byte(ack + "$")
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) inject(s string) { p.rx <- []byte(s) }

// breakWith makes the next Read fail with err, as an unplugged device would.
func (p *fakePort) breakWith(err error) { p.fail <- err }

func (p *fakePort) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	copy(out, p.writes)
	return out
}

func (p *fakePort) WriteTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Time, len(p.writeTimes))
	copy(out, p.writeTimes)
	return out
}

// fakeLink hands out fresh fake ports; the first failFirst opens fail.
type fakeLink struct {
	mu        sync.Mutex
	opens     int
	failFirst int
	failAll   bool
	autoAck   bool
	opened    chan *fakePort
}

func newFakeLink(autoAck bool) *fakeLink {
	return &fakeLink{autoAck: autoAck, opened: make(chan *fakePort, 16)}
}

func (f *fakeLink) open() (Port, error) {
	f.mu.Lock()
	f.opens++
	n := f.opens
	failAll := f.failAll
	f.mu.Unlock()
	if failAll || n <= f.failFirst {
		return nil, errors.New("device busy")
	}
	p := newFakePort(f.autoAck)
	f.opened <- p
	return p, nil
}

func (f *fakeLink) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeLink) next(t *testing.T) *fakePort {
	t.Helper()
	select {
	case p := <-f.opened:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for port open")
		return nil
	}
}

func testConfig() Config {
	return Config{
		AckTimeout:      40 * time.Millisecond,
		RetryLimit:      1,
		ReconnectDelay:  30 * time.Millisecond,
		ThresholdGap:    80 * time.Millisecond,
		WaitOpenTimeout: 500 * time.Millisecond,
	}
}

func startManager(t *testing.T, cfg Config, link *fakeLink) *Manager {
	t.Helper()
	m := New(cfg, link.open, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return m
}

func waitWrites(t *testing.T, p *fakePort, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.Writes()) >= n },
		2*time.Second, 5*time.Millisecond, "want %d writes", n)
	return p.Writes()
}

func nextEvent(t *testing.T, sub *Subscription, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
			return Event{}
		}
	}
}

// noEvent asserts that no event of kind arrives within d.
func noEvent(t *testing.T, sub *Subscription, kind EventKind, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind == kind {
				t.Fatalf("unexpected %s event: %+v", kind, ev)
			}
		case <-deadline:
			return
		}
	}
}
