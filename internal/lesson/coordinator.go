// Package lesson follows the class/experiment selected on the kit and keeps
// the kit's calibration in step with the active threshold table.
package lesson

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/veera-kit/internal/kit"
	"github.com/shaunagostinho/veera-kit/internal/thresholds"
)

// Kit is the part of the protocol manager the coordinator needs.
type Kit interface {
	Subscribe(buffer int, kinds ...kit.EventKind) *kit.Subscription
	SendThresholds(ctx context.Context, list []thresholds.Entry) error
}

// Config holds coordinator timing.
type Config struct {
	// SettleDelay is how long to wait after an experiment change before
	// pushing its thresholds, so the kit has finished switching.
	SettleDelay  time.Duration
	InitialClass int
	InitialExp   int
}

// Coordinator tracks the current class and experiment.
type Coordinator struct {
	kit   Kit
	store *thresholds.Store
	cfg   Config
	log   zerolog.Logger

	mu             sync.Mutex
	class          int
	experiment     int
	lastClass      int
	lastExperiment int
	wg             sync.WaitGroup
}

// New creates a Coordinator.
func New(k Kit, store *thresholds.Store, cfg Config, log zerolog.Logger) *Coordinator {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 1200 * time.Millisecond
	}
	if cfg.InitialClass == 0 {
		cfg.InitialClass = 5
	}
	if cfg.InitialExp == 0 {
		cfg.InitialExp = 1
	}
	return &Coordinator{
		kit:        k,
		store:      store,
		cfg:        cfg,
		log:        log.With().Str("component", "lesson").Logger(),
		class:      cfg.InitialClass,
		experiment: cfg.InitialExp,
	}
}

// Current returns the class and experiment last selected on the kit.
func (c *Coordinator) Current() (class, experiment int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.class, c.experiment
}

// CurrentKey returns the threshold key for the current selection.
func (c *Coordinator) CurrentKey() string {
	class, exp := c.Current()
	return thresholds.Key(class, exp)
}

// Run follows kit selection events until ctx is done. Pending threshold
// pushes are waited for before it returns.
func (c *Coordinator) Run(ctx context.Context) {
	sub := c.kit.Subscribe(32, kit.EventClassChanged, kit.EventExperimentChanged)
	defer sub.Close()
	defer c.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			switch ev.Kind {
			case kit.EventClassChanged:
				c.onClass(ev.ClassNum)
			case kit.EventExperimentChanged:
				if c.onExperiment(ev.ExpNum) {
					c.scheduleSend(ctx)
				}
			}
		}
	}
}

func (c *Coordinator) onClass(raw string) {
	n, ok := parseSelection(raw)
	if !ok {
		c.log.Warn().Str("class", raw).Msg("invalid class number from kit")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n == c.lastClass {
		return
	}
	c.lastClass = n
	c.class = n
	// A new class starts a fresh experiment list.
	c.lastExperiment = 0
	c.log.Info().Int("class", n).Msg("class selected on kit")
}

// onExperiment records a new experiment and reports whether it changed.
func (c *Coordinator) onExperiment(raw string) bool {
	n, ok := parseSelection(raw)
	if !ok {
		c.log.Warn().Str("experiment", raw).Msg("invalid experiment number from kit")
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n == c.lastExperiment {
		return false
	}
	c.lastExperiment = n
	c.experiment = n
	c.log.Info().Int("class", c.class).Int("experiment", n).Msg("experiment selected on kit")
	return true
}

// scheduleSend pushes the current experiment's thresholds after the settle
// delay. The key is read when the timer fires, so a quick follow-up
// selection wins.
func (c *Coordinator) scheduleSend(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTimer(c.cfg.SettleDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		key := c.CurrentKey()
		n, err := c.SendFor(ctx, key)
		if err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("threshold push failed")
			return
		}
		c.log.Info().Str("key", key).Int("entries", n).Msg("thresholds sent")
	}()
}

// SendFor pushes the active thresholds for key and returns how many
// entries were sent.
func (c *Coordinator) SendFor(ctx context.Context, key string) (int, error) {
	list, ok := c.store.Active(key)
	if !ok || len(list) == 0 {
		return 0, fmt.Errorf("lesson: no thresholds found for %s", key)
	}
	if err := c.kit.SendThresholds(ctx, list); err != nil {
		return 0, err
	}
	return len(list), nil
}

// SetActive replaces the active thresholds for key and sends them.
func (c *Coordinator) SetActive(ctx context.Context, key string, list []thresholds.Entry) error {
	if err := c.store.SetActive(key, list); err != nil {
		return err
	}
	return c.kit.SendThresholds(ctx, list)
}

// ResetKey restores the defaults for key and sends them.
func (c *Coordinator) ResetKey(ctx context.Context, key string) error {
	if _, err := c.store.ResetKey(key); err != nil {
		return err
	}
	list, _ := c.store.Active(key)
	return c.kit.SendThresholds(ctx, list)
}

// ResetAll restores every default and pushes each non-empty set to the kit,
// waiting gap between sets.
func (c *Coordinator) ResetAll(ctx context.Context, gap time.Duration) error {
	c.store.ResetAll()
	for _, key := range c.store.Keys() {
		list, _ := c.store.Active(key)
		if len(list) == 0 {
			continue
		}
		if err := c.kit.SendThresholds(ctx, list); err != nil {
			return fmt.Errorf("lesson: reset %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(gap):
		}
	}
	return nil
}

func parseSelection(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
