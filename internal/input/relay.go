// Package input maps client button names onto machine key events.
package input

import (
	"log/slog"

	"github.com/vishalkuo/bimap"

	"github.com/arcadecast/arcadecast/internal/core"
	"github.com/arcadecast/arcadecast/internal/util"
)

// buttons is the fixed client vocabulary. It is immutable after init.
var buttons = newButtonTable()

func newButtonTable() *bimap.BiMap[string, core.KeyCode] {
	m := bimap.NewBiMap[string, core.KeyCode]()
	m.Insert("UP", core.KeyUp)
	m.Insert("DOWN", core.KeyDown)
	m.Insert("LEFT", core.KeyLeft)
	m.Insert("RIGHT", core.KeyRight)
	m.Insert("START", core.KeyStart)
	m.Insert("SELECT", core.KeySelect)
	m.Insert("A", core.KeyButton1)
	m.Insert("B", core.KeyButton2)
	m.Insert("X", core.KeyButton3)
	m.Insert("Y", core.KeyButton4)
	m.Insert("L1", core.KeyButton5)
	m.Insert("R1", core.KeyButton6)
	m.Insert("L2", core.KeyButton7)
	m.Insert("R2", core.KeyButton8)
	m.Insert("PAUSE", core.KeyPause)
	m.MakeImmutable()
	return m
}

// Lookup returns the key code for a button name.
func Lookup(name string) (core.KeyCode, bool) {
	return buttons.Get(name)
}

// ButtonName returns the client name of a key code.
func ButtonName(code core.KeyCode) (string, bool) {
	return buttons.GetInverse(code)
}

// Buttons returns the size of the vocabulary.
func Buttons() int {
	return buttons.Size()
}

// DefaultMaxPlayers is the number of gamepad slots a browser exposes.
const DefaultMaxPlayers = 4

// Relay forwards key messages to one machine's input sink.
type Relay struct {
	sink       core.InputSink
	maxPlayers int
	logger     *slog.Logger
	// OnEvent, when set, is called for every enqueued event.
	OnEvent func(ev core.KeyEvent)
}

// NewRelay accepts players 0..maxPlayers-1 and core.KeyboardPlayer. A
// non-positive maxPlayers means DefaultMaxPlayers.
func NewRelay(sink core.InputSink, maxPlayers int) *Relay {
	if maxPlayers <= 0 {
		maxPlayers = DefaultMaxPlayers
	}
	return &Relay{
		sink:       sink,
		maxPlayers: maxPlayers,
		logger:     util.GetLogger().With("component", "input"),
	}
}

// HandleKey enqueues one key event. Unknown buttons and out of range
// players produce nothing and report false.
func (r *Relay) HandleKey(down bool, player int, name string) bool {
	code, ok := Lookup(name)
	if !ok {
		r.logger.Debug("Ignoring unknown button", "button", name, "player", player)
		return false
	}
	if !r.validPlayer(player) {
		r.logger.Debug("Ignoring player index out of range", "button", name, "player", player, "max", r.maxPlayers)
		return false
	}

	ev := core.KeyEvent{Code: code, Down: down, Player: player}
	r.sink.EnqueueKey(ev)
	if r.OnEvent != nil {
		r.OnEvent(ev)
	}
	return true
}

func (r *Relay) validPlayer(player int) bool {
	return player == core.KeyboardPlayer || (player >= 0 && player < r.maxPlayers)
}
