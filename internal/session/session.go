// Package session runs one streaming session per client connection and
// keeps track of all of them.
package session

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/codec"
	"github.com/arcadecast/arcadecast/internal/container"
	"github.com/arcadecast/arcadecast/internal/core"
	"github.com/arcadecast/arcadecast/internal/input"
	"github.com/arcadecast/arcadecast/internal/metrics"
	"github.com/arcadecast/arcadecast/internal/pacing"
	"github.com/arcadecast/arcadecast/internal/pipeline"
	"github.com/arcadecast/arcadecast/internal/protocol"
	"github.com/arcadecast/arcadecast/internal/transport"
	"github.com/arcadecast/arcadecast/internal/util"
)

// State is the session lifecycle state.
type State int

const (
	Opening State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrProgramEnded closes a session whose machine loop returned on its own.
	ErrProgramEnded = errors.New("program ended")
	// ErrNotOpening is returned by Start on a session that already started.
	ErrNotOpening = errors.New("session already started")
)

// Conn is the transport side of a session.
type Conn interface {
	SendText(msg string) error
	SendBinary(data []byte) error
	Close(reason error)
	RemoteAddr() string
}

// Opener bootstraps machines by program identifier.
type Opener interface {
	Open(cfg core.MachineConfig) (core.Machine, error)
}

// Config is the fixed streaming profile of every session.
type Config struct {
	Profile string
	Codec   codec.Options

	FlushInterval   time.Duration
	MaxSegmentBytes int

	PauseGap     time.Duration
	PingInterval time.Duration

	// Machine is the template machine config; Program is set per session.
	Machine core.MachineConfig

	MaxSessions int
	// MaxPlayers bounds accepted player indices; the keyboard player is
	// always accepted.
	MaxPlayers int
}

// Info is a snapshot of a session for listings.
type Info struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	Program   string    `json:"program"`
	Remote    string    `json:"remote"`
	State     string    `json:"state"`
	Pacing    string    `json:"pacing"`
	Paused    bool      `json:"paused"`
	Segments  uint64    `json:"segments"`
	Bytes     uint64    `json:"bytes"`
	StartedAt time.Time `json:"started_at"`
}

// Session owns one connection's machine, pipeline and pacing controller.
type Session struct {
	id       string
	clientID string
	program  string
	cfg      Config
	conn     Conn
	opener   Opener
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	machine  core.Machine
	pipeline *pipeline.Pipeline
	pacing   *pacing.Controller
	relay    *input.Relay

	mu        sync.Mutex
	state     State
	startedAt time.Time
	reason    error

	segments atomic.Uint64
	bytes    atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a session in the Opening state.
func New(cfg Config, conn Conn, opener Opener, program, clientID string, m *metrics.Metrics) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		clientID: clientID,
		program:  program,
		cfg:      cfg,
		conn:     conn,
		opener:   opener,
		metrics:  m,
		logger:   util.GetLogger().With("session", id, "program", program),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) ClientID() string { return s.clientID }

// Done is closed once the session reached Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason the session closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Start bootstraps the machine and the media path, announces the output
// size and makes the session active. Any failure is fatal: the session is
// closed and the error returned.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != Opening {
		s.mu.Unlock()
		return ErrNotOpening
	}
	s.mu.Unlock()

	if err := s.open(); err != nil {
		s.Close(err)
		return err
	}

	w, h := s.pipeline.Params().Video.Width, s.pipeline.Params().Video.Height
	if err := s.conn.SendText(protocol.FormatSize(w, h)); err != nil {
		err = errors.Wrap(err, "announce size")
		s.Close(err)
		return err
	}

	s.mu.Lock()
	if s.state != Opening {
		// closed while opening
		s.mu.Unlock()
		return errors.Wrap(s.Err(), "session closed while opening")
	}
	s.state = Active
	s.startedAt = s.now()
	s.mu.Unlock()

	if err := s.pacing.Start(s.now()); err != nil {
		s.logger.Warn("Failed to send first ping", "error", err)
	}

	go s.run()

	sw, sh := s.machine.SourceSize()
	s.logger.Info("Session active", "remote", s.conn.RemoteAddr(), "source", sizeString(sw, sh), "output", sizeString(w, h), "profile", s.cfg.Profile)
	s.metrics.SessionOpened()
	return nil
}

func (s *Session) open() error {
	mcfg := s.cfg.Machine
	mcfg.Program = s.program
	machine, err := s.opener.Open(mcfg)
	if err != nil {
		return errors.Wrap(err, "open machine")
	}

	enc, err := codec.New(s.cfg.Profile, s.cfg.Codec)
	if err != nil {
		return errors.Wrap(err, "open encoder")
	}
	mux, err := container.New(enc.Params())
	if err != nil {
		enc.Close()
		return errors.Wrap(err, "open muxer")
	}
	pl, err := pipeline.New(pipeline.Config{
		FlushInterval:   s.cfg.FlushInterval,
		MaxSegmentBytes: s.cfg.MaxSegmentBytes,
		OnSegment:       s.deliver,
		OnTick:          s.tick,
		OnDrop: func(kind string, err error) {
			s.metrics.UnitDropped(kind)
		},
		Logger: s.logger,
	}, enc, mux)
	if err != nil {
		enc.Close()
		return errors.Wrap(err, "open pipeline")
	}

	s.machine = machine
	s.pipeline = pl
	s.pacing = pacing.New(pacing.Config{
		PauseGap:     s.cfg.PauseGap,
		PingInterval: s.cfg.PingInterval,
		Send:         s.conn.SendText,
		OnChange: func(to pacing.State) {
			s.logger.Info("Pacing changed", "state", to)
			s.metrics.PacingChanged(to.String())
		},
		Logger: s.logger,
	}, machine)
	s.relay = input.NewRelay(machine.Inputs(), s.cfg.MaxPlayers)
	s.relay.OnEvent = func(core.KeyEvent) { s.metrics.InputEvent() }
	return nil
}

// run is the machine's dedicated execution context.
func (s *Session) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := s.machine.Run(s.pipeline)
	switch {
	case err == nil:
		s.Close(ErrProgramEnded)
	case s.State() >= Closing:
		s.logger.Debug("Machine loop stopped while closing", "error", err)
	default:
		s.logger.Error("Machine loop failed", "error", err)
		s.Close(err)
	}

	if err := s.pipeline.Close(); err != nil {
		s.logger.Warn("Failed to close encoder", "error", err)
	}
	s.finish()
}

// deliver is the pipeline's only way out. Segments produced outside Active
// are discarded, including one that loses the race with Close.
func (s *Session) deliver(seg core.Segment) error {
	if s.State() != Active {
		return nil
	}
	if err := s.conn.SendBinary(seg.Data); err != nil {
		if errors.Is(err, transport.ErrConnClosed) || s.State() != Active {
			// the machine stops at its next loop boundary
			return nil
		}
		return err
	}
	s.segments.Add(1)
	s.bytes.Add(uint64(len(seg.Data)))
	s.metrics.SegmentSent(len(seg.Data))
	return nil
}

func (s *Session) tick(now time.Time) {
	if s.State() != Active {
		return
	}
	if err := s.pacing.Tick(now); err != nil {
		s.logger.Debug("Ping not sent", "error", err)
	}
}

// HandleMessage dispatches one inbound text frame. Unknown and malformed
// messages are dropped.
func (s *Session) HandleMessage(text string) {
	if s.State() != Active {
		return
	}

	msg, err := protocol.Parse(text)
	if err != nil {
		s.logger.Debug("Ignoring client message", "message", text, "error", err)
		s.metrics.MessageIgnored()
		return
	}

	switch m := msg.(type) {
	case protocol.Ping:
		s.pacing.HandlePing(m.Counter, s.now())
	case protocol.Key:
		if !s.relay.HandleKey(m.Down, m.Player, m.Button) {
			s.metrics.MessageIgnored()
		}
	}
}

// Close moves the session to Closing, asks the machine to exit and closes
// the connection. Only the first call has an effect.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasActive := s.state == Active
		s.state = Closing
		s.reason = reason
		s.mu.Unlock()

		s.logger.Info("Session closing", "reason", reason)
		if wasActive {
			s.metrics.SessionClosed()
		}

		if s.machine != nil {
			s.machine.ScheduleExit()
		}
		s.conn.Close(reason)

		if !wasActive {
			// the machine loop never started
			if s.pipeline != nil {
				s.pipeline.Close()
			}
			s.finish()
		}
	})
}

func (s *Session) finish() {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	close(s.done)
	s.logger.Debug("Session closed", "segments", s.segments.Load())
}

// Info returns a snapshot for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:        s.id,
		ClientID:  s.clientID,
		Program:   s.program,
		Remote:    s.conn.RemoteAddr(),
		State:     s.state.String(),
		StartedAt: s.startedAt,
	}
	s.mu.Unlock()

	if s.pacing != nil {
		info.Pacing = s.pacing.State().String()
	}
	if s.machine != nil {
		info.Paused = s.machine.Paused()
	}
	info.Segments = s.segments.Load()
	info.Bytes = s.bytes.Load()
	return info
}

func sizeString(w, h int) string {
	return fmt.Sprintf("%dx%d", w, h)
}
