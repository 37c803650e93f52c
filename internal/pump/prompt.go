package pump

import "fmt"

// Prompt is the status code the pump appends to every response. It doubles
// as the asynchronous completion signal for non-blocking runs: a deferred
// TargetReached prompt may show up bundled with a later exchange.
type Prompt int

const (
	Idle Prompt = iota
	Infusing
	Withdrawing
	Stalled
	TargetReached
)

var promptNames = [...]string{
	Idle:          "idle",
	Infusing:      "infusing",
	Withdrawing:   "withdrawing",
	Stalled:       "stalled",
	TargetReached: "target reached",
}

func (p Prompt) String() string {
	if int(p) < len(promptNames) {
		return promptNames[p]
	}
	return fmt.Sprintf("prompt(%d)", int(p))
}

// promptBytes is the single-byte prompt alphabet. TargetReached is the one
// two-byte form ('T' then '*') and is assembled by the transport, which has
// the lookahead read.
var promptBytes = map[byte]Prompt{
	':': Idle,
	'>': Infusing,
	'<': Withdrawing,
	'*': Stalled,
}

// DecodePrompt classifies a single prompt byte. It is a stateless, total
// function over the fixed alphabet; any other byte is a decode failure.
func DecodePrompt(b byte) (Prompt, error) {
	p, ok := promptBytes[b]
	if !ok {
		return 0, fmt.Errorf("%w: unknown prompt byte %q", ErrProtocol, b)
	}
	return p, nil
}
