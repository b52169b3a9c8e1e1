package protocol

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Message
	}{
		{"ping", "ping:7", Ping{Counter: 7}},
		{"ping_trailing_newline", "ping:12\n", Ping{Counter: 12}},
		{"key_down", "key:D:0:A", Key{Down: true, Player: 0, Button: "A"}},
		{"key_up", "key:U:1:START", Key{Down: false, Player: 1, Button: "START"}},
		{"keyboard_player", "key:D:9999:PAUSE", Key{Down: true, Player: 9999, Button: "PAUSE"}},
		{"unknown_button_still_parses", "key:D:0:TURBO", Key{Down: true, Player: 0, Button: "TURBO"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"empty", "", ErrUnknownPrefix},
		{"unknown_prefix", "size:640:480", ErrUnknownPrefix},
		{"chat", "hello", ErrUnknownPrefix},
		{"ping_no_counter", "ping", ErrMalformed},
		{"ping_extra", "ping:1:2", ErrMalformed},
		{"ping_not_number", "ping:abc", ErrMalformed},
		{"ping_negative", "ping:-1", ErrMalformed},
		{"key_short", "key:D:0", ErrMalformed},
		{"key_long", "key:D:0:A:B", ErrMalformed},
		{"key_bad_direction", "key:X:0:A", ErrMalformed},
		{"key_bad_player", "key:D:p1:A", ErrMalformed},
		{"key_negative_player", "key:D:-3:A", ErrMalformed},
		{"key_empty_button", "key:D:0:", ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "size:640:480", FormatSize(640, 480))
	assert.Equal(t, "ping:0", FormatPing(0))
	assert.Equal(t, "ping:42", FormatPing(42))

	msg, err := Parse(FormatPing(9))
	require.NoError(t, err)
	assert.Equal(t, Ping{Counter: 9}, msg)
}
