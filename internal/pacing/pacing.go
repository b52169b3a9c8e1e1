// Package pacing pauses the machine when the client stops acknowledging
// pings in time and resumes it once acknowledgements are prompt again.
package pacing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/protocol"
	"github.com/arcadecast/arcadecast/internal/util"
)

const (
	DefaultPauseGap     = 500 * time.Millisecond
	DefaultPingInterval = 2000 * time.Millisecond
)

// State of the controller.
type State int

const (
	Running State = iota
	ServerPaused
)

func (s State) String() string {
	if s == ServerPaused {
		return "server_paused"
	}
	return "running"
}

// Source is the part of the machine the controller drives.
type Source interface {
	Pause()
	Resume()
	Paused() bool
}

// Config holds the timing thresholds and hooks.
type Config struct {
	PauseGap     time.Duration
	PingInterval time.Duration

	// Send delivers a ping to the client.
	Send func(msg string) error
	// OnChange is called after every state transition.
	OnChange func(to State)

	Logger *slog.Logger
}

// Controller tracks the ping round trip of one session.
type Controller struct {
	cfg    Config
	src    Source
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	sentAt      time.Time
	counter     uint64
	outstanding bool
}

func New(cfg Config, src Source) *Controller {
	if cfg.PauseGap <= 0 {
		cfg.PauseGap = DefaultPauseGap
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = util.GetLogger()
	}
	return &Controller{
		cfg:    cfg,
		src:    src,
		logger: cfg.Logger.With("component", "pacing"),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start sends the first ping. The session calls it when it becomes active.
func (c *Controller) Start(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendPing(now)
}

// HandlePing applies an acknowledgement from the client.
func (c *Controller) HandlePing(counter uint64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outstanding && counter+1 == c.counter {
		c.outstanding = false
	}
	c.reconcile()

	gap := now.Sub(c.sentAt)
	switch {
	case c.state == Running && gap > c.cfg.PauseGap && !c.src.Paused():
		c.logger.Debug("Late ping, pausing", "counter", counter, "gap", gap)
		c.src.Pause()
		c.setState(ServerPaused)
	case c.state == ServerPaused && c.src.Paused() && gap <= c.cfg.PauseGap:
		c.logger.Debug("Prompt ping, resuming", "counter", counter, "gap", gap)
		c.src.Resume()
		c.setState(Running)
	}
}

// Tick runs once per pipeline flush tick. It pauses the machine when the
// latest ping has gone unanswered for longer than PauseGap, and sends a new
// ping while server-paused or once PingInterval has passed.
func (c *Controller) Tick(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reconcile()
	if c.outstanding && c.state == Running && now.Sub(c.sentAt) > c.cfg.PauseGap && !c.src.Paused() {
		c.logger.Debug("Ping unanswered, pausing", "counter", c.counter-1, "gap", now.Sub(c.sentAt))
		c.src.Pause()
		c.setState(ServerPaused)
	}

	if (c.state == ServerPaused && c.src.Paused()) || now.Sub(c.sentAt) > c.cfg.PingInterval {
		return c.sendPing(now)
	}
	return nil
}

func (c *Controller) sendPing(now time.Time) error {
	msg := protocol.FormatPing(c.counter)
	c.counter++
	c.sentAt = now
	c.outstanding = true

	if c.cfg.Send == nil {
		return nil
	}
	return errors.Wrap(c.cfg.Send(msg), "send ping")
}

func (c *Controller) setState(s State) {
	c.state = s
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(s)
	}
}

// reconcile releases a server pause that something else already undid, so
// every Pause is matched by a Resume before the next one.
func (c *Controller) reconcile() {
	if c.state == ServerPaused && !c.src.Paused() {
		c.logger.Debug("Machine resumed elsewhere, releasing server pause")
		c.src.Resume()
		c.setState(Running)
	}
}
