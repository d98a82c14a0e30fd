package kitsim

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/veera-kit/internal/kit"
	"github.com/shaunagostinho/veera-kit/internal/thresholds"
)

func readFrame(t *testing.T, s *Sim) string {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := s.Read(buf)
		got <- string(buf[:n])
	}()
	select {
	case f := <-got:
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout reading from sim")
		return ""
	}
}

func TestSimAcksCommands(t *testing.T) {
	s := New(Config{Seed: 1})
	defer s.Close()

	_, err := s.Write([]byte("#c:6$#w:070$"))
	require.NoError(t, err)

	assert.Equal(t, "#C:6$", readFrame(t, s))
	assert.Equal(t, "#W:070$", readFrame(t, s))

	class, _ := s.Selection()
	assert.Equal(t, 6, class)
	v, ok := s.Threshold("W")
	require.True(t, ok)
	assert.Equal(t, "070", v)
}

func TestSimAnnouncesSelection(t *testing.T) {
	s := New(Config{Announce: true, Class: 7, Experiment: 3, Seed: 1})
	defer s.Close()

	assert.Equal(t, "#C:7$", readFrame(t, s))
	assert.Equal(t, "#E:3$", readFrame(t, s))
}

func TestSimDropsAllAcks(t *testing.T) {
	s := New(Config{AckDropRate: 1, Seed: 1})
	defer s.Close()

	_, err := s.Write([]byte("#c:5$"))
	require.NoError(t, err)
	assert.Len(t, s.out, 0)
}

func TestSimSensorFrames(t *testing.T) {
	s := New(Config{SensorInterval: 10 * time.Millisecond, Seed: 1})
	defer s.Close()

	frame := readFrame(t, s)
	assert.True(t, strings.HasPrefix(frame, "#T:"), frame)
}

func TestSimShortReadsKeepRemainder(t *testing.T) {
	s := New(Config{Seed: 1})
	defer s.Close()

	_, err := s.Write([]byte("#w:070$"))
	require.NoError(t, err)

	var got []byte
	buf := make([]byte, 2)
	for len(got) < len("#W:070$") {
		n, err := s.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "#W:070$", string(got))
}

func TestSimClosedReturnsEOF(t *testing.T) {
	s := New(Config{Seed: 1})
	require.NoError(t, s.Close())
	_, err := s.Read(make([]byte, 8))
	assert.Error(t, err)
	_, err = s.Write([]byte("#c:1$"))
	assert.Error(t, err)
}

func TestManagerAgainstSim(t *testing.T) {
	m := kit.New(kit.Config{
		AckTimeout:   100 * time.Millisecond,
		ThresholdGap: 5 * time.Millisecond,
	}, Opener(Config{Seed: 1}), zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		m.Run(ctx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	ack, err := m.SendExperiment(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "#E:4", ack)

	require.NoError(t, m.SendThresholds(ctx, []thresholds.Entry{{Code: "t", Value: 30}}))
}
