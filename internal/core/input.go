package core

// KeyCode is a device-level key identifier understood by a machine's input sink.
type KeyCode int

const (
	KeyUnknown KeyCode = iota
	KeyUp
	KeyDown
	KeyLeft
	KeyRight
	KeyStart
	KeySelect
	KeyButton1
	KeyButton2
	KeyButton3
	KeyButton4
	KeyButton5
	KeyButton6
	KeyButton7
	KeyButton8
	KeyPause
)

// KeyboardPlayer is the player index browsers use for keyboard input.
const KeyboardPlayer = 9999

// KeyEvent is a synthetic device key transition.
type KeyEvent struct {
	Code   KeyCode
	Down   bool
	Player int
}

// InputSink receives device key events. Implementations must be safe for use
// from a goroutine other than the one running the machine loop.
type InputSink interface {
	EnqueueKey(ev KeyEvent)
}
