// Package kit talks to the lesson sensor kit over its serial link.
//
// Frames are short text tokens, "#<key>:<value>" terminated by '$'. The app
// sends lowercase commands and the kit acknowledges with the uppercase
// letter and the same value; the kit also sends unsolicited class,
// experiment and sensor frames.
//
// A Manager owns the port for the process lifetime. One goroutine runs the
// protocol loop and is the only code that touches the command queue, the
// in-flight command, its retry timer and the port handle. At most one
// command is on the wire at a time and commands go out in submission order.
package kit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/shaunagostinho/veera-kit/internal/metrics"
	"github.com/shaunagostinho/veera-kit/internal/thresholds"
)

var (
	// ErrAckTimeout is returned when a command was not acknowledged after
	// all retries.
	ErrAckTimeout = errors.New("kit: ack timeout")
	// ErrNotOpen is returned when the port did not open in time for a
	// threshold batch.
	ErrNotOpen = errors.New("kit: timeout waiting for serial open")
	// ErrNotConnected is returned by raw writes attempted while closed.
	ErrNotConnected = errors.New("kit: port not open")
	// ErrClosed is returned once the manager has shut down.
	ErrClosed = errors.New("kit: manager closed")
)

// Config tunes the protocol timing. Zero values take the defaults.
type Config struct {
	AckTimeout      time.Duration // per transmission, default 1s
	RetryLimit      int           // retransmissions after the first send, default 1
	ReconnectDelay  time.Duration // fixed delay between open attempts, default 1s
	ThresholdGap    time.Duration // spacing between batch writes, default 80ms
	WaitOpenTimeout time.Duration // batch wait for an open port, default 4s
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = time.Second
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 1
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ThresholdGap <= 0 {
		c.ThresholdGap = 80 * time.Millisecond
	}
	if c.WaitOpenTimeout <= 0 {
		c.WaitOpenTimeout = 4 * time.Second
	}
	return c
}

// pendingCommand is one queued or in-flight request.
type pendingCommand struct {
	command     string
	expectedAck string // empty: fire-and-forget
	retries     int
	result      chan commandResult
}

type commandResult struct {
	ack string
	err error
}

func (p *pendingCommand) finish(ack string, err error) {
	p.result <- commandResult{ack: ack, err: err}
}

type writeRequest struct {
	body string
	done chan error
}

// Manager is the serial command/acknowledgement protocol manager.
type Manager struct {
	cfg     Config
	open    Opener
	hub     *Hub
	log     zerolog.Logger
	metrics *metrics.Metrics

	inbound  chan inbound
	commands chan *pendingCommand
	writes   chan writeRequest
	waiters  chan chan struct{}
	forget   chan chan struct{}
	done     chan struct{}

	connected atomic.Bool
	waiting   atomic.Int32 // WaitForOpen callers parked in the loop
}

// New creates a Manager. Call Run to start it.
func New(cfg Config, open Opener, log zerolog.Logger, m *metrics.Metrics) *Manager {
	log = log.With().Str("component", "kit").Logger()
	return &Manager{
		cfg:      cfg.withDefaults(),
		open:     open,
		hub:      NewHub(log, m),
		log:      log,
		metrics:  m,
		inbound:  make(chan inbound),
		commands: make(chan *pendingCommand),
		writes:   make(chan writeRequest),
		waiters:  make(chan chan struct{}),
		forget:   make(chan chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run keeps the port open and processes commands until ctx is cancelled.
// Commands still queued at shutdown fail with ErrClosed.
func (m *Manager) Run(ctx context.Context) {
	c := &connector{
		open:    m.open,
		delay:   m.cfg.ReconnectDelay,
		out:     m.inbound,
		log:     m.log.With().Str("component", "conn").Logger(),
		metrics: m.metrics,
	}
	connDone := make(chan struct{})
	go func() {
		defer close(connDone)
		c.run(ctx)
	}()

	l := &loop{m: m}
	l.run(ctx)
	<-connDone
	m.hub.closeAll()
}

// Done is closed when Run has stopped accepting work.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Connected reports whether the port is currently open.
func (m *Manager) Connected() bool { return m.connected.Load() }

// Subscribe registers for kit events; see Hub.Subscribe.
func (m *Manager) Subscribe(buffer int, kinds ...EventKind) *Subscription {
	return m.hub.Subscribe(buffer, kinds...)
}

// Enqueue queues a command body (no '$') and waits for its outcome: the
// matched ack frame, or ErrAckTimeout once retries are exhausted. A body
// that has no ack form is written once and returns an empty ack.
//
// Cancelling ctx stops the wait, not the command: it keeps its place in
// the queue.
func (m *Manager) Enqueue(ctx context.Context, body string) (string, error) {
	ack, _ := DeriveExpectedAck(body)
	p := &pendingCommand{
		command:     body,
		expectedAck: ack,
		result:      make(chan commandResult, 1),
	}
	select {
	case m.commands <- p:
	case <-m.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-p.result:
		return r.ack, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendClass selects a class on the kit ("#c:<n>").
func (m *Manager) SendClass(ctx context.Context, classNum int) (string, error) {
	return m.Enqueue(ctx, "#c:"+strconv.Itoa(classNum))
}

// SendExperiment selects an experiment on the kit ("#e:<n>").
func (m *Manager) SendExperiment(ctx context.Context, expNum int) (string, error) {
	return m.Enqueue(ctx, "#e:"+strconv.Itoa(expNum))
}

// SendThreshold sends one acknowledged threshold ("#w:070").
func (m *Manager) SendThreshold(ctx context.Context, code string, value int) (string, error) {
	return m.Enqueue(ctx, ThresholdCommand(code, value))
}

// SendRaw writes a body straight to the port, bypassing the queue and ack
// tracking.
func (m *Manager) SendRaw(ctx context.Context, body string) error {
	return m.writeRaw(ctx, body)
}

// WaitForOpen blocks until the port is open, or fails with ErrNotOpen
// after timeout.
func (m *Manager) WaitForOpen(ctx context.Context, timeout time.Duration) error {
	if m.Connected() {
		return nil
	}
	reply := make(chan struct{})
	select {
	case m.waiters <- reply:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-reply:
		return nil
	case <-t.C:
		if m.forgetWaiter(reply) {
			return nil
		}
		return ErrNotOpen
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		m.forgetWaiter(reply)
		return ctx.Err()
	}
}

// forgetWaiter withdraws a WaitForOpen reply from the loop. It reports true
// if the port opened before the withdrawal landed.
func (m *Manager) forgetWaiter(reply chan struct{}) bool {
	select {
	case m.forget <- reply:
	case <-m.done:
	}
	select {
	case <-reply:
		return true
	default:
		return false
	}
}

// SendThresholds pushes a calibration list to the kit without acks: one
// write per entry, spaced by the threshold gap. It first waits for the
// port to open so a reconnect window does not silently drop the batch.
func (m *Manager) SendThresholds(ctx context.Context, list []thresholds.Entry) error {
	if err := m.WaitForOpen(ctx, m.cfg.WaitOpenTimeout); err != nil {
		m.log.Warn().Err(err).Msg("cannot send thresholds: port not open")
		return err
	}
	for _, e := range list {
		if err := m.writeRaw(ctx, ThresholdCommand(e.Code, e.Value)); err != nil {
			return fmt.Errorf("kit: threshold %s: %w", e.Code, err)
		}
		if !sleepCtx(ctx, m.cfg.ThresholdGap) {
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) writeRaw(ctx context.Context, body string) error {
	req := writeRequest{body: body, done: make(chan error, 1)}
	select {
	case m.writes <- req:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop holds the state owned by the protocol goroutine.
type loop struct {
	m *Manager

	port    Port
	open    bool
	queue   []*pendingCommand
	current *pendingCommand
	timer   *time.Timer
	timerC  <-chan time.Time
	waiters []chan struct{}
}

func (l *loop) run(ctx context.Context) {
	defer l.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-l.m.inbound:
			l.handleInbound(in)
		case p := <-l.m.commands:
			l.queue = append(l.queue, p)
			l.m.metrics.SetQueueDepth(len(l.queue))
			l.dispatchNext()
		case req := <-l.m.writes:
			err := l.write(req.body)
			if err == nil {
				l.m.metrics.RawWrite()
			}
			req.done <- err
		case w := <-l.m.waiters:
			if l.open {
				close(w)
			} else {
				l.waiters = append(l.waiters, w)
				l.m.waiting.Store(int32(len(l.waiters)))
			}
		case w := <-l.m.forget:
			l.dropWaiter(w)
		case <-l.timerC:
			l.onTimeout()
		}
	}
}

func (l *loop) handleInbound(in inbound) {
	switch in.kind {
	case inboundOpen:
		l.port = in.port
		l.open = true
		l.m.connected.Store(true)
		l.m.metrics.SetConnected(true)
		l.m.hub.Publish(Event{Kind: EventConnected})
		for _, w := range l.waiters {
			close(w)
		}
		l.waiters = nil
		l.m.waiting.Store(0)
		l.dispatchNext()

	case inboundClosed:
		l.port = nil
		l.open = false
		l.m.connected.Store(false)
		l.m.metrics.SetConnected(false)
		l.m.hub.Publish(Event{Kind: EventDisconnected})
		if in.err != nil {
			l.m.hub.Publish(Event{Kind: EventError, Err: in.err.Error()})
		}
		// The in-flight command keeps its timer; it retries or fails on
		// schedule.

	case inboundFrame:
		l.onFrame(in.frame)
	}
}

func (l *loop) onFrame(frame string) {
	l.m.log.Debug().Str("frame", frame+string(frameEnd)).Msg("<-")

	acked := false
	if l.current != nil && frame == l.current.expectedAck {
		l.stopTimer()
		l.current.finish(frame, nil)
		l.current = nil
		l.m.metrics.Ack()
		l.m.hub.Publish(Event{Kind: EventAck, Frame: frame})
		acked = true
	}

	// An ack frame is still a valid event (e.g. "#C:5").
	if ev, ok := Decode(frame); ok {
		l.m.metrics.FrameReceived(string(ev.Kind))
		l.m.hub.Publish(ev)
	} else {
		l.m.metrics.FrameReceived("noise")
	}

	if acked {
		l.dispatchNext()
	}
}

// dispatchNext puts the queue head on the wire when the port is open and
// nothing is in flight.
func (l *loop) dispatchNext() {
	for l.open && l.current == nil && len(l.queue) > 0 {
		next := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.m.metrics.SetQueueDepth(len(l.queue))
		l.m.metrics.CommandSent()

		if next.expectedAck == "" {
			l.m.log.Debug().Str("command", next.command).Msg("no ack form, sending fire-and-forget")
			l.write(next.command)
			next.finish("", nil)
			continue
		}
		l.current = next
		l.write(next.command)
		l.startTimer()
	}
}

func (l *loop) onTimeout() {
	p := l.current
	l.timerC = nil
	if p == nil {
		return
	}
	p.retries++
	if p.retries <= l.m.cfg.RetryLimit {
		l.m.log.Warn().Str("command", p.command).Int("retry", p.retries).Msg("retry")
		l.m.metrics.Retry()
		l.write(p.command)
		l.startTimer()
		return
	}

	l.m.log.Warn().Str("command", p.command).Int("attempts", p.retries).Msg("ack timeout")
	l.m.metrics.AckTimeout()
	l.current = nil
	p.finish("", fmt.Errorf("%w: %s", ErrAckTimeout, p.command))
	l.dispatchNext()
}

// write sends one framed body. While closed the write is logged and
// dropped; a queued command then runs into its ack timer.
func (l *loop) write(body string) error {
	out := BuildWireMessage(body)
	if l.port == nil {
		l.m.log.Warn().Str("frame", out).Msg("port closed, write dropped")
		l.m.metrics.WriteError()
		return ErrNotConnected
	}
	if _, err := l.port.Write([]byte(out)); err != nil {
		l.m.log.Error().Err(err).Str("frame", out).Msg("write failed")
		l.m.metrics.WriteError()
		return fmt.Errorf("kit: write %s: %w", out, err)
	}
	l.m.log.Debug().Str("frame", out).Msg("->")
	return nil
}

func (l *loop) dropWaiter(w chan struct{}) {
	for i, x := range l.waiters {
		if x == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	l.m.waiting.Store(int32(len(l.waiters)))
}

func (l *loop) startTimer() {
	l.stopTimer()
	l.timer = time.NewTimer(l.m.cfg.AckTimeout)
	l.timerC = l.timer.C
}

func (l *loop) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.timerC = nil
}

func (l *loop) shutdown() {
	close(l.m.done)
	l.stopTimer()
	if l.current != nil {
		l.current.finish("", ErrClosed)
		l.current = nil
	}
	for _, p := range l.queue {
		p.finish("", ErrClosed)
	}
	l.queue = nil
	l.m.connected.Store(false)
	l.m.metrics.SetConnected(false)
}
