package pump

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePrompt(t *testing.T) {
	cases := map[byte]Prompt{
		':': Idle,
		'>': Infusing,
		'<': Withdrawing,
		'*': Stalled,
	}
	for b, want := range cases {
		got, err := DecodePrompt(b)
		require.NoError(t, err, "byte %q", b)
		assert.Equal(t, want, got, "byte %q", b)
	}
}

func TestDecodePromptUnknownByte(t *testing.T) {
	// 'T' is deliberately not in the single-byte alphabet; it only forms a
	// prompt together with the '*' that follows it.
	for _, b := range []byte{'T', '?', 'x', 0} {
		_, err := DecodePrompt(b)
		assert.ErrorIs(t, err, ErrProtocol, "byte %q", b)
	}
}

func TestPromptString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "target reached", TargetReached.String())
	assert.Equal(t, "prompt(99)", Prompt(99).String())
}
