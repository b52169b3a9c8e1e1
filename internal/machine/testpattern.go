package machine

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/core"
	"github.com/arcadecast/arcadecast/internal/util"
)

const (
	cursorSize = 8
	// events for further players are ignored
	maxTrackedPlayers = 16
)

var barColors = [][3]uint8{
	{192, 192, 192}, {192, 192, 0}, {0, 192, 192}, {0, 192, 0},
	{192, 0, 192}, {192, 0, 0}, {0, 0, 192}, {16, 16, 16},
}

// TestPattern is a built-in machine: scrolling colour bars, one cursor per
// player steered by the directional buttons, and a tone whose pitch rises
// with every held button. PAUSE toggles a user pause like a cabinet's pause
// key, independent of Pause/Resume.
type TestPattern struct {
	cfg core.MachineConfig

	serverPaused atomic.Bool
	userPaused   atomic.Bool // written only by the Run goroutine

	exit    atomic.Bool
	exitCh  chan struct{}
	exitOne sync.Once

	inputs *keyQueue

	// loop state, owned by the Run goroutine
	frame   int64
	phase   float64
	players map[int]*player
	pix     []byte
}

type player struct {
	x, y int
	held map[core.KeyCode]bool
}

func NewTestPattern(cfg core.MachineConfig) (core.Machine, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.Errorf("invalid machine size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 || cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, errors.Errorf("invalid machine timing %d fps, %d Hz x %d", cfg.FPS, cfg.SampleRate, cfg.Channels)
	}
	return &TestPattern{
		cfg:     cfg,
		exitCh:  make(chan struct{}),
		inputs:  &keyQueue{},
		players: make(map[int]*player),
		pix:     make([]byte, cfg.Width*cfg.Height*4),
	}, nil
}

func (m *TestPattern) Pause()  { m.serverPaused.Store(true) }
func (m *TestPattern) Resume() { m.serverPaused.Store(false) }

// Paused reports a pause from either Pause or the PAUSE key.
func (m *TestPattern) Paused() bool {
	return m.serverPaused.Load() || m.userPaused.Load()
}

func (m *TestPattern) ScheduleExit() {
	m.exitOne.Do(func() {
		m.exit.Store(true)
		close(m.exitCh)
	})
}

func (m *TestPattern) Inputs() core.InputSink { return m.inputs }

func (m *TestPattern) SourceSize() (int, int) { return m.cfg.Width, m.cfg.Height }

// Run produces one frame and one audio chunk per tick until ScheduleExit.
// While paused it only drains input and calls sink.Idle.
func (m *TestPattern) Run(sink core.MediaSink) error {
	logger := util.GetLogger().With("component", "testpattern", "program", m.cfg.Program)
	logger.Debug("Machine loop started")
	defer logger.Debug("Machine loop stopped", "frames", m.frame)

	interval := time.Second / time.Duration(m.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !m.exit.Load() {
		var now time.Time
		select {
		case <-m.exitCh:
			return nil
		case now = <-ticker.C:
		}

		m.applyInputs()

		if m.Paused() {
			if err := sink.Idle(now); err != nil {
				return err
			}
			continue
		}

		ts := time.Duration(m.frame) * interval
		if err := sink.SubmitVideo(m.render(ts)); err != nil {
			return err
		}
		if err := sink.SubmitAudio(m.tone(ts)); err != nil {
			return err
		}
		m.frame++
	}
	return nil
}

func (m *TestPattern) applyInputs() {
	for _, ev := range m.inputs.drain() {
		if ev.Code == core.KeyPause {
			if ev.Down {
				m.userPaused.Store(!m.userPaused.Load())
			}
			continue
		}
		if p := m.player(ev.Player); p != nil {
			p.held[ev.Code] = ev.Down
		}
	}
}

func (m *TestPattern) player(idx int) *player {
	p, ok := m.players[idx]
	if !ok {
		n := len(m.players)
		if n >= maxTrackedPlayers {
			return nil
		}
		p = &player{
			x:    (n*3*cursorSize + cursorSize) % max(m.cfg.Width-cursorSize, 1),
			y:    m.cfg.Height / 2,
			held: make(map[core.KeyCode]bool),
		}
		m.players[idx] = p
	}
	return p
}

func (m *TestPattern) render(ts time.Duration) core.Frame {
	w, h := m.cfg.Width, m.cfg.Height
	shift := int(m.frame) % w
	barWidth := max(w/len(barColors), 1)

	for y := 0; y < h; y++ {
		row := m.pix[y*w*4:]
		for x := 0; x < w; x++ {
			c := barColors[((x+shift)/barWidth)%len(barColors)]
			row[x*4+0] = c[2]
			row[x*4+1] = c[1]
			row[x*4+2] = c[0]
			row[x*4+3] = 0xff
		}
	}

	for idx, p := range m.players {
		m.step(p)
		m.fill(p.x, p.y, cursorColor(idx))
	}

	return core.Frame{
		Pix:       m.pix,
		Width:     w,
		Height:    h,
		Format:    core.PixelFormatBGRA32,
		Timestamp: ts,
	}
}

func (m *TestPattern) step(p *player) {
	if p.held[core.KeyLeft] {
		p.x--
	}
	if p.held[core.KeyRight] {
		p.x++
	}
	if p.held[core.KeyUp] {
		p.y--
	}
	if p.held[core.KeyDown] {
		p.y++
	}
	p.x = min(max(p.x, 0), m.cfg.Width-cursorSize)
	p.y = min(max(p.y, 0), m.cfg.Height-cursorSize)
}

func (m *TestPattern) fill(x0, y0 int, c [3]uint8) {
	w := m.cfg.Width
	for y := y0; y < y0+cursorSize && y < m.cfg.Height; y++ {
		for x := x0; x < x0+cursorSize && x < w; x++ {
			if x < 0 || y < 0 {
				continue
			}
			i := (y*w + x) * 4
			m.pix[i+0], m.pix[i+1], m.pix[i+2] = c[2], c[1], c[0]
		}
	}
}

func cursorColor(player int) [3]uint8 {
	if player == core.KeyboardPlayer {
		return [3]uint8{255, 255, 255}
	}
	return [3]uint8{uint8(64 + player*97), uint8(255 - player*53), uint8(32 + player*151)}
}

func (m *TestPattern) tone(ts time.Duration) core.AudioChunk {
	n := m.cfg.SampleRate / m.cfg.FPS

	held := 0
	for _, p := range m.players {
		for _, down := range p.held {
			if down {
				held++
			}
		}
	}
	freq := 220.0 + 110.0*float64(held)

	samples := make([]int16, n*m.cfg.Channels)
	for i := 0; i < n; i++ {
		v := int16(4000 * math.Sin(m.phase))
		m.phase += 2 * math.Pi * freq / float64(m.cfg.SampleRate)
		for ch := 0; ch < m.cfg.Channels; ch++ {
			samples[i*m.cfg.Channels+ch] = v
		}
	}
	m.phase = math.Mod(m.phase, 2*math.Pi)

	return core.AudioChunk{
		Samples:     samples,
		SampleCount: n,
		SampleRate:  m.cfg.SampleRate,
		Channels:    m.cfg.Channels,
		Timestamp:   ts,
	}
}

// keyQueue is the machine's input sink, written from network goroutines.
type keyQueue struct {
	mu     sync.Mutex
	events []core.KeyEvent
}

func (q *keyQueue) EnqueueKey(ev core.KeyEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
}

func (q *keyQueue) drain() []core.KeyEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}
