// Package kitsim simulates the lesson kit for development without hardware.
package kitsim

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/veera-kit/internal/kit"
)

// Config controls the simulated kit.
type Config struct {
	SensorInterval time.Duration // 0 disables periodic sensor frames
	AckDropRate    float64       // fraction of acks silently lost, 0-1
	Announce       bool          // send the current class/experiment on open
	Class          int
	Experiment     int
	Seed           int64
}

// Sim is one simulated port session. It implements kit.Port.
type Sim struct {
	mu         sync.Mutex
	cfg        Config
	rng        *rand.Rand
	t          float64 // virtual time accumulator
	pending    []byte
	class      int
	experiment int
	thresholds map[string]string

	readMu sync.Mutex
	unread []byte // tail of the last output chunk not yet read

	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// Opener returns a kit.Opener that hands out a fresh simulated session on
// every open.
func Opener(cfg Config) kit.Opener {
	return func() (kit.Port, error) {
		return New(cfg), nil
	}
}

// New starts a simulated session.
func New(cfg Config) *Sim {
	if cfg.Class == 0 {
		cfg.Class = 5
	}
	if cfg.Experiment == 0 {
		cfg.Experiment = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Sim{
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(seed)),
		class:      cfg.Class,
		experiment: cfg.Experiment,
		thresholds: make(map[string]string),
		out:        make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
	if cfg.Announce {
		s.emit(fmt.Sprintf("#C:%d$", s.class))
		s.emit(fmt.Sprintf("#E:%d$", s.experiment))
	}
	if cfg.SensorInterval > 0 {
		go s.sensorLoop()
	}
	return s
}

// Read returns kit output. A chunk larger than b is handed out over
// several reads.
func (s *Sim) Read(b []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if len(s.unread) == 0 {
		select {
		case data := <-s.out:
			s.unread = data
		case <-s.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, s.unread)
	s.unread = s.unread[n:]
	return n, nil
}

// Write accepts '$'-terminated commands and acknowledges each one with its
// uppercase form, except for the acks chosen to be dropped.
func (s *Sim) Write(b []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	s.mu.Lock()
	s.pending = append(s.pending, b...)
	var acks []string
	for {
		idx := bytes.IndexByte(s.pending, '$')
		if idx < 0 {
			break
		}
		body := string(s.pending[:idx])
		s.pending = s.pending[idx+1:]
		if ack, ok := s.apply(body); ok {
			acks = append(acks, ack)
		}
	}
	s.mu.Unlock()

	for _, ack := range acks {
		s.emit(ack + "$")
	}
	return len(b), nil
}

func (s *Sim) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Selection returns the class and experiment last selected on the kit.
func (s *Sim) Selection() (class, experiment int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.class, s.experiment
}

// Threshold returns the last value received for a threshold code.
func (s *Sim) Threshold(code string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.thresholds[strings.ToLower(code)]
	return v, ok
}

// Press simulates the kit's own class/experiment buttons.
func (s *Sim) Press(class, experiment int) {
	s.mu.Lock()
	s.class, s.experiment = class, experiment
	s.mu.Unlock()
	s.emit(fmt.Sprintf("#C:%d$", class))
	s.emit(fmt.Sprintf("#E:%d$", experiment))
}

// apply records a command and returns the ack to send, if any.
// Must be called with s.mu held.
func (s *Sim) apply(body string) (string, bool) {
	key, value, ok := kit.ParseFrame(strings.TrimSpace(body))
	if !ok {
		return "", false
	}
	var n int
	switch key {
	case "c":
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			s.class = n
		}
	case "e":
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			s.experiment = n
		}
	default:
		s.thresholds[strings.ToLower(key)] = value
	}

	ack, ok := kit.DeriveExpectedAck(body)
	if !ok {
		return "", false
	}
	if s.cfg.AckDropRate > 0 && s.rng.Float64() < s.cfg.AckDropRate {
		return "", false
	}
	return ack, true
}

func (s *Sim) emit(frame string) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.out <- []byte(frame):
	default:
		// Reader too slow, the kit drops output like a full UART buffer.
	}
}

func (s *Sim) sensorLoop() {
	ticker := time.NewTicker(s.cfg.SensorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			for _, frame := range s.sample() {
				s.emit(frame)
			}
		}
	}
}

// sample produces one round of slowly varying sensor readings.
func (s *Sim) sample() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t += 0.1

	temp := 28 + 4*math.Sin(s.t*0.2) + s.rng.Float64()
	light := 300 + 200*math.Sin(s.t*0.35) + s.rng.Float64()*20
	soil := 600 + 150*math.Cos(s.t*0.1)
	dist := 40 + 25*math.Sin(s.t*0.5)
	motion := 0
	if s.rng.Float64() < 0.1 {
		motion = 1
	}

	return []string{
		fmt.Sprintf("#T:%s$", kit.PadValue(int(temp))),
		fmt.Sprintf("#L:%s$", kit.PadValue(clamp(int(light)))),
		fmt.Sprintf("#W:%s$", kit.PadValue(clamp(int(soil)))),
		fmt.Sprintf("#D:%s$", kit.PadValue(clamp(int(dist)))),
		fmt.Sprintf("#M:%d$", motion),
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 999 {
		return 999
	}
	return v
}
