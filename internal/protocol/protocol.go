// Package protocol parses and formats the colon-delimited text messages
// exchanged with the client.
//
//	server -> client: size:<width>:<height>, ping:<counter>
//	client -> server: ping:<counter>, key:<D|U>:<player>:<button>
package protocol

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	PrefixSize = "size"
	PrefixPing = "ping"
	PrefixKey  = "key"
)

var (
	// ErrUnknownPrefix is returned for messages that are neither ping nor key.
	ErrUnknownPrefix = errors.New("unknown message prefix")
	// ErrMalformed is returned for a known prefix with bad tokens.
	ErrMalformed = errors.New("malformed message")
)

// Message is one parsed client message: Ping or Key.
type Message interface {
	isMessage()
}

// Ping is the client's echo of a server ping.
type Ping struct {
	Counter uint64
}

// Key is a button transition.
type Key struct {
	Down   bool
	Player int
	Button string
}

func (Ping) isMessage() {}
func (Key) isMessage()  {}

// Parse decodes one inbound text frame.
func Parse(text string) (Message, error) {
	tokens := strings.Split(strings.TrimSpace(text), ":")

	switch tokens[0] {
	case PrefixPing:
		if len(tokens) != 2 {
			return nil, errors.Wrapf(ErrMalformed, "ping has %d tokens", len(tokens))
		}
		n, err := strconv.ParseUint(tokens[1], 10, 64)
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, "ping counter")
		}
		return Ping{Counter: n}, nil

	case PrefixKey:
		if len(tokens) != 4 {
			return nil, errors.Wrapf(ErrMalformed, "key has %d tokens", len(tokens))
		}
		var down bool
		switch tokens[1] {
		case "D":
			down = true
		case "U":
		default:
			return nil, errors.Wrapf(ErrMalformed, "key direction %q", tokens[1])
		}
		player, err := strconv.Atoi(tokens[2])
		if err != nil || player < 0 {
			return nil, errors.Wrapf(ErrMalformed, "key player %q", tokens[2])
		}
		if tokens[3] == "" {
			return nil, errors.Wrap(ErrMalformed, "key without button")
		}
		return Key{Down: down, Player: player, Button: tokens[3]}, nil
	}

	return nil, errors.Wrapf(ErrUnknownPrefix, "%q", tokens[0])
}

// FormatSize renders the session size announcement.
func FormatSize(width, height int) string {
	return PrefixSize + ":" + strconv.Itoa(width) + ":" + strconv.Itoa(height)
}

// FormatPing renders a server ping.
func FormatPing(counter uint64) string {
	return PrefixPing + ":" + strconv.FormatUint(counter, 10)
}
