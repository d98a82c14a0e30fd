package kit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/shaunagostinho/veera-kit/internal/metrics"
)

const (
	// readTimeout bounds each port read so the reader notices shutdown.
	readTimeout = 200 * time.Millisecond
	// maxLineLen caps an unterminated line; longer input is treated as noise.
	maxLineLen = 256
)

// Port is the physical link to the kit.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the port. It is called again after every close or failed
// attempt.
type Opener func() (Port, error)

// SerialOpener opens a serial device at 8N1 with the given baud rate.
func SerialOpener(path string, baud int) Opener {
	return func() (Port, error) {
		mode := &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(path, mode)
		if err != nil {
			return nil, fmt.Errorf("kit: failed to open %s: %w", path, err)
		}
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("kit: failed to set timeout on %s: %w", path, err)
		}
		return port, nil
	}
}

// inboundKind tags what the connector hands to the protocol loop.
type inboundKind int

const (
	inboundOpen inboundKind = iota
	inboundClosed
	inboundFrame
)

// inbound is one item from the connector. Frames and state changes share a
// channel so the loop sees them in the order they happened.
type inbound struct {
	kind  inboundKind
	port  Port   // inboundOpen
	frame string // inboundFrame
	err   error  // inboundClosed: nil on a clean close
}

// connector keeps one port open, reopening it on a fixed delay forever.
type connector struct {
	open     Opener
	delay    time.Duration
	out      chan<- inbound
	log      zerolog.Logger
	metrics  *metrics.Metrics
	attempts uint64
}

func (c *connector) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.attempts++
		port, err := c.open()
		c.metrics.OpenAttempt(err == nil)
		if err != nil {
			c.log.Warn().Err(err).Uint64("attempt", c.attempts).Dur("retry_in", c.delay).Msg("open failed, will retry")
			if !sleepCtx(ctx, c.delay) {
				return
			}
			continue
		}

		c.log.Info().Uint64("attempt", c.attempts).Msg("port open")
		if !c.send(ctx, inbound{kind: inboundOpen, port: port}) {
			port.Close()
			return
		}

		// Closing the port unblocks a pending Read on shutdown.
		stop := context.AfterFunc(ctx, func() { port.Close() })
		err = c.readFrames(ctx, port)
		stop()
		port.Close()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Error().Err(err).Msg("port error")
		} else {
			c.log.Info().Msg("port closed")
		}
		if !c.send(ctx, inbound{kind: inboundClosed, err: err}) {
			return
		}
		if !sleepCtx(ctx, c.delay) {
			return
		}
	}
}

// readFrames reads until the port fails. It returns nil when the port was
// closed cleanly (EOF) and the I/O error otherwise.
func (c *connector) readFrames(ctx context.Context, port Port) error {
	buf := make([]byte, 256)
	var pending []byte
	for {
		n, err := port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, frameEnd)
				if idx < 0 {
					break
				}
				line := string(pending[:idx])
				pending = pending[idx+1:]
				if frame, ok := DecodeLine(line); ok {
					if !c.send(ctx, inbound{kind: inboundFrame, frame: frame}) {
						return nil
					}
				}
			}
			if len(pending) > maxLineLen {
				c.log.Debug().Int("bytes", len(pending)).Msg("discarding unterminated input")
				pending = pending[:0]
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *connector) send(ctx context.Context, in inbound) bool {
	select {
	case c.out <- in:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
