package session

import (
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcadecast/arcadecast/internal/codec"
	"github.com/arcadecast/arcadecast/internal/core"
	"github.com/arcadecast/arcadecast/internal/machine"
	"github.com/arcadecast/arcadecast/internal/metrics"
	"github.com/arcadecast/arcadecast/internal/transport"
)

type recordingInputs struct {
	mu     sync.Mutex
	events []core.KeyEvent
}

func (r *recordingInputs) EnqueueKey(ev core.KeyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingInputs) snapshot() []core.KeyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.KeyEvent(nil), r.events...)
}

// fakeMachine emits a small frame per tick, or only idles when silent.
type fakeMachine struct {
	media bool

	paused  atomic.Bool
	pauses  atomic.Int32
	resumes atomic.Int32
	exits   atomic.Int32

	exitCh   chan struct{}
	exitOnce sync.Once
	inputs   *recordingInputs
}

func newFakeMachine(media bool) *fakeMachine {
	return &fakeMachine{media: media, exitCh: make(chan struct{}), inputs: &recordingInputs{}}
}

func (m *fakeMachine) Run(sink core.MediaSink) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	var n int64
	for {
		select {
		case <-m.exitCh:
			return nil
		case now := <-ticker.C:
			if !m.media || m.paused.Load() {
				if err := sink.Idle(now); err != nil {
					return err
				}
				continue
			}
			frame := core.Frame{Pix: make([]byte, 8*6*4), Width: 8, Height: 6, Format: core.PixelFormatBGRA32,
				Timestamp: time.Duration(n) * 5 * time.Millisecond}
			if err := sink.SubmitVideo(frame); err != nil {
				return err
			}
			n++
		}
	}
}

func (m *fakeMachine) Pause() {
	m.pauses.Add(1)
	m.paused.Store(true)
}

func (m *fakeMachine) Resume() {
	m.resumes.Add(1)
	m.paused.Store(false)
}

func (m *fakeMachine) Paused() bool { return m.paused.Load() }

func (m *fakeMachine) ScheduleExit() {
	m.exits.Add(1)
	m.exitOnce.Do(func() { close(m.exitCh) })
}

func (m *fakeMachine) Inputs() core.InputSink { return m.inputs }
func (m *fakeMachine) SourceSize() (int, int) { return 8, 6 }

type stack struct {
	manager *Manager
	server  *httptest.Server
	latest  atomic.Pointer[fakeMachine]
}

// machine returns the machine opened most recently.
func (s *stack) machine() *fakeMachine { return s.latest.Load() }

func testConfig() Config {
	return Config{
		Profile: codec.ProfileMJPEG,
		Codec: codec.Options{
			Width: 640, Height: 480, FPS: 15,
			SampleRate: 48000, Channels: 1, JPEGQuality: 50,
		},
		FlushInterval: 70 * time.Millisecond,
		Machine:       core.MachineConfig{Width: 8, Height: 6, FPS: 15, SampleRate: 48000, Channels: 2},
		MaxSessions:   2,
	}
}

func newStack(t *testing.T, cfg Config, media bool) *stack {
	t.Helper()
	s := &stack{}
	catalog := machine.NewCatalog()
	catalog.Register("foo", func(core.MachineConfig) (core.Machine, error) {
		fm := newFakeMachine(media)
		s.latest.Store(fm)
		return fm, nil
	})

	s.manager = NewManager(cfg, catalog, metrics.New())
	s.server = httptest.NewServer(transport.NewServer(s.manager, transport.Options{}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *stack) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/?" + query
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// session waits for the manager to register a session and returns the
// newest one.
func (s *stack) session(t *testing.T) *Session {
	t.Helper()
	var found *Session
	require.Eventually(t, func() bool {
		s.manager.mu.Lock()
		defer s.manager.mu.Unlock()
		found = nil
		for _, sess := range s.manager.sessions {
			if found == nil || sess.Info().StartedAt.After(found.Info().StartedAt) {
				found = sess
			}
		}
		return found != nil
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

type frame struct {
	binary bool
	text   string
}

// pump reads every server frame into a channel until the connection ends.
func pump(c *websocket.Conn) <-chan frame {
	out := make(chan frame, 1024)
	go func() {
		defer close(out)
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			select {
			case out <- frame{binary: mt == websocket.BinaryMessage, text: string(data)}:
			default:
			}
		}
	}()
	return out
}

func drain(frames <-chan frame) {
	for {
		select {
		case <-frames:
		default:
			return
		}
	}
}

func nextText(t *testing.T, frames <-chan frame, prefix string) string {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "connection ended")
			if !f.binary && strings.HasPrefix(f.text, prefix) {
				return f.text
			}
		case <-timeout:
			t.Fatalf("no %q message", prefix)
		}
	}
}

func TestOpenAnnouncesSizeAndActivates(t *testing.T) {
	s := newStack(t, testConfig(), true)
	c := s.dial(t, "game=foo&id=client-1")

	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "size:640:480", string(data))

	mt, data, err = c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "ping:0", string(data))

	s.session(t)
	sessions := s.manager.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, "active", sessions[0].State)
	assert.Equal(t, "foo", sessions[0].Program)
	assert.Equal(t, "client-1", sessions[0].ClientID)

	// a segment follows within a few flush intervals
	frames := pump(c)
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f := <-frames:
			if f.binary {
				assert.Equal(t, []byte{0x1a, 0x45, 0xdf, 0xa3}, []byte(f.text[:4]))
				return
			}
		case <-timeout:
			t.Fatal("no segment received")
		}
	}
}

func TestSilentClientIsPausedOnceThenResumed(t *testing.T) {
	s := newStack(t, testConfig(), false)
	c := s.dial(t, "game=foo")
	frames := pump(c)
	nextText(t, frames, "size:")

	time.Sleep(time.Second)

	assert.Equal(t, int32(1), s.machine().pauses.Load())
	assert.True(t, s.machine().Paused())
	sess := s.session(t)
	assert.Equal(t, "server_paused", sess.Info().Pacing)

	// answer fresh pings straight away until play resumes
	drain(frames)
	deadline := time.After(3 * time.Second)
	for s.machine().resumes.Load() == 0 {
		select {
		case f := <-frames:
			if !f.binary && strings.HasPrefix(f.text, "ping:") {
				require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(f.text)))
			}
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("machine was not resumed")
		}
	}
	assert.Equal(t, int32(1), s.machine().resumes.Load())
	assert.Equal(t, int32(1), s.machine().pauses.Load())
	assert.False(t, s.machine().Paused())
}

func TestKeyMessagesReachMachine(t *testing.T) {
	s := newStack(t, testConfig(), true)
	c := s.dial(t, "game=foo")
	frames := pump(c)
	nextText(t, frames, "size:")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("key:D:0:A")))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("key:U:0:A")))

	require.Eventually(t, func() bool { return len(s.machine().inputs.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	events := s.machine().inputs.snapshot()
	assert.Equal(t, core.KeyEvent{Code: core.KeyButton1, Down: true, Player: 0}, events[0])
	assert.Equal(t, core.KeyEvent{Code: core.KeyButton1, Down: false, Player: 0}, events[1])
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	s := newStack(t, testConfig(), true)
	c := s.dial(t, "game=foo")
	frames := pump(c)
	nextText(t, frames, "size:")

	for _, msg := range []string{"key:D:0", "key:D:x:A", "hello", "ping", "key:D:0:TURBO", "key:D:7:A", "key:U:0:START"} {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	require.Eventually(t, func() bool { return len(s.machine().inputs.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, core.KeyStart, s.machine().inputs.snapshot()[0].Code)
	assert.Equal(t, "active", s.session(t).Info().State)
}

func TestConnectionCloseTearsDown(t *testing.T) {
	s := newStack(t, testConfig(), true)
	c := s.dial(t, "game=foo")
	frames := pump(c)
	nextText(t, frames, "size:")

	sess := s.session(t)
	require.Eventually(t, func() bool { return sess.Info().Segments > 0 }, 3*time.Second, 5*time.Millisecond)

	c.Close()
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close")
	}

	assert.Equal(t, Closed, sess.State())
	assert.Equal(t, int32(1), s.machine().exits.Load())

	sent := sess.Info().Segments
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, sent, sess.Info().Segments)
	require.Eventually(t, func() bool { return s.manager.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestUnknownProgramFailsOpen(t *testing.T) {
	s := newStack(t, testConfig(), true)
	c := s.dial(t, "game=galaga")

	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr))
	assert.Zero(t, s.manager.Count())
}

func TestSessionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	s := newStack(t, cfg, false)

	first := s.dial(t, "game=foo")
	nextText(t, pump(first), "size:")

	second := s.dial(t, "game=foo")
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr))
	s.session(t)
	assert.Equal(t, 1, s.manager.Count())
}

func TestReconnectReplacesSession(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 4
	s := newStack(t, cfg, false)

	first := s.dial(t, "game=foo&id=same")
	firstFrames := pump(first)
	nextText(t, firstFrames, "size:")
	old := s.session(t)
	oldMachine := s.machine()

	second := s.dial(t, "game=foo&id=same")
	nextText(t, pump(second), "size:")

	select {
	case <-old.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("old session still running")
	}
	require.Eventually(t, func() bool { return s.manager.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), oldMachine.exits.Load())
	assert.NotSame(t, oldMachine, s.machine())
	assert.NotEqual(t, old.ID(), s.session(t).ID())
}

type fakeConn struct {
	mu        sync.Mutex
	texts     []string
	closed    error
	fail      error
	binaryErr error
}

func (c *fakeConn) SendText(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.texts = append(c.texts, msg)
	return nil
}

func (c *fakeConn) SendBinary([]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	return c.binaryErr
}

func (c *fakeConn) setBinaryErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binaryErr = err
}

func (c *fakeConn) Close(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = reason
}

func (c *fakeConn) RemoteAddr() string { return "test" }

func TestStartFailureClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.Profile = "vp9"
	catalog := machine.NewCatalog()
	fm := newFakeMachine(false)
	catalog.Register("foo", func(core.MachineConfig) (core.Machine, error) { return fm, nil })

	conn := &fakeConn{}
	sess := New(cfg, conn, catalog, "foo", "", nil)
	err := sess.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrUnknownProfile))

	<-sess.Done()
	assert.Equal(t, Closed, sess.State())
	assert.Error(t, conn.closed)
	assert.Empty(t, conn.texts)
	assert.Error(t, sess.Start())
}

func TestSizeFailureClosesSession(t *testing.T) {
	catalog := machine.NewCatalog()
	fm := newFakeMachine(false)
	catalog.Register("foo", func(core.MachineConfig) (core.Machine, error) { return fm, nil })

	conn := &fakeConn{fail: errors.New("broken pipe")}
	sess := New(testConfig(), conn, catalog, "foo", "", nil)
	require.Error(t, sess.Start())

	<-sess.Done()
	assert.Equal(t, Closed, sess.State())
	assert.Equal(t, int32(1), fm.exits.Load())
}

func TestSendOnClosedConnIsCleanStop(t *testing.T) {
	catalog := machine.NewCatalog()
	fm := newFakeMachine(false)
	catalog.Register("foo", func(core.MachineConfig) (core.Machine, error) { return fm, nil })

	conn := &fakeConn{}
	sess := New(testConfig(), conn, catalog, "foo", "", nil)
	require.NoError(t, sess.Start())
	seg := core.Segment{Sequence: 1, Data: []byte{1, 2, 3}}

	// the connection closed between the state check and the write
	conn.setBinaryErr(errors.Wrap(transport.ErrConnClosed, "write"))
	assert.NoError(t, sess.deliver(seg))

	conn.setBinaryErr(errors.New("broken pipe"))
	assert.Error(t, sess.deliver(seg))

	sess.Close(errors.New("client gone"))
	assert.NoError(t, sess.deliver(seg))

	<-sess.Done()
	assert.Equal(t, Closed, sess.State())
	assert.Equal(t, "client gone", sess.Err().Error())
	assert.Zero(t, sess.Info().Segments)
	assert.Equal(t, int32(1), fm.exits.Load())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "opening", Opening.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "closing", Closing.String())
	assert.Equal(t, "closed", Closed.String())
}
