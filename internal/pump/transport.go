package pump

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Link is the duplex byte stream to the pump. Real hardware goes through
// the go.bug.st adapter in link.go; tests substitute in-memory fakes. A
// negative read timeout means block indefinitely; a Read that times out
// returns n == 0 with a nil error.
type Link interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
}

// probeTimeout bounds the check for unconsumed bytes after a prompt. By
// then the pump has finished talking, so anything still pending is either
// the deferred run-completion notice or a framing desync.
const probeTimeout = 20 * time.Millisecond

// transport frames commands and reads the declared response lines plus the
// trailing prompt. It also owns the Running flag: the completion race — a
// TargetReached notice arriving bundled with the next command's response —
// is detected and drained here and nowhere else, so command wrappers never
// see leftover completion bytes.
type transport struct {
	link    Link
	timeout time.Duration
	logger  *zap.Logger

	running bool
	peeked  []byte // bytes consumed by the pending-data probe, replayed first
}

func newTransport(link Link, timeout time.Duration, logger *zap.Logger) *transport {
	return &transport{link: link, timeout: timeout, logger: logger}
}

func (t *transport) close() error { return t.link.Close() }

func (t *transport) isRunning() bool { return t.running }
func (t *transport) beginRun()       { t.running = true }
func (t *transport) clearRun()       { t.running = false }

// exchange sends cmd terminated by a single carriage return, discards the
// blank line the pump always echoes first, reads exactly lines response
// lines and the trailing prompt, then verifies the link is drained.
func (t *transport) exchange(cmd string, lines int) ([]string, Prompt, error) {
	if _, err := t.link.Write([]byte(cmd + "\r")); err != nil {
		return nil, 0, fmt.Errorf("%w: write %q: %v", ErrProtocol, cmd, err)
	}
	t.logger.Debug("sent command", zap.String("cmd", cmd))
	if _, err := t.readLine(); err != nil { // echoed linefeed before real output
		return nil, 0, err
	}
	resp := make([]string, 0, lines)
	for i := 0; i < lines; i++ {
		line, err := t.readLine()
		if err != nil {
			return nil, 0, err
		}
		t.logger.Debug("response line", zap.Int("n", i), zap.String("line", line))
		resp = append(resp, line)
	}
	prompt, err := t.readPrompt()
	if err != nil {
		return nil, 0, err
	}
	if err := t.drainPending(); err != nil {
		return nil, 0, err
	}
	return resp, prompt, nil
}

// waitTargetReached blocks until the pump reports the current run finished.
// This is the one place the driver deliberately blocks without bound: a
// real run can take arbitrarily long, so the read timeout is removed for
// the wait and restored afterwards.
func (t *transport) waitTargetReached() error {
	if !t.running {
		return fmt.Errorf("%w: waitTargetReached", ErrNotRunning)
	}
	if err := t.link.SetReadTimeout(-1); err != nil {
		return fmt.Errorf("%w: remove read timeout: %v", ErrProtocol, err)
	}
	if _, err := t.readLine(); err != nil { // linefeed preceding the notice
		t.link.SetReadTimeout(t.timeout)
		return err
	}
	p, err := t.readPrompt()
	if err != nil {
		t.link.SetReadTimeout(t.timeout)
		return err
	}
	if err := t.link.SetReadTimeout(t.timeout); err != nil {
		return fmt.Errorf("%w: restore read timeout: %v", ErrProtocol, err)
	}
	if p != TargetReached {
		return fmt.Errorf("%w: expected target-reached notice, got %q prompt", ErrProtocol, p.String())
	}
	pending, err := t.probe()
	if err != nil {
		return err
	}
	if pending {
		return fmt.Errorf("%w: data pending after run completion", ErrProtocol)
	}
	t.running = false
	return nil
}

// drainPending checks for unconsumed bytes after a completed exchange.
// While a non-blocking run is in progress the pump may have appended its
// deferred TargetReached notice to this response; consume and validate it,
// and clear Running. Pending bytes in any other state mean the framing is
// desynced, which is fatal.
func (t *transport) drainPending() error {
	pending, err := t.probe()
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}
	if !t.running {
		line, _ := t.readLine() // best effort, for the error message
		return fmt.Errorf("%w: unexpected trailing data %q", ErrProtocol, line)
	}
	// Completion race: the notice is a blank line plus the TargetReached
	// prompt, the same shape as the blocking wait sees.
	if _, err := t.readLine(); err != nil {
		return err
	}
	p, err := t.readPrompt()
	if err != nil {
		return err
	}
	if p != TargetReached {
		return fmt.Errorf("%w: expected deferred target-reached notice, got %q prompt", ErrProtocol, p.String())
	}
	pending, err = t.probe()
	if err != nil {
		return err
	}
	if pending {
		return fmt.Errorf("%w: data pending after deferred completion notice", ErrProtocol)
	}
	t.running = false
	t.logger.Debug("drained deferred run-completion notice")
	return nil
}

// probe performs a short-timeout single-byte read to learn whether the link
// holds unconsumed data. A byte that does arrive is pushed back so the next
// reader sees it.
func (t *transport) probe() (bool, error) {
	if len(t.peeked) > 0 {
		return true, nil
	}
	if err := t.link.SetReadTimeout(probeTimeout); err != nil {
		return false, fmt.Errorf("%w: set probe timeout: %v", ErrProtocol, err)
	}
	defer t.link.SetReadTimeout(t.timeout)
	var buf [1]byte
	n, err := t.link.Read(buf[:])
	if err != nil {
		return false, fmt.Errorf("%w: probe read: %v", ErrProtocol, err)
	}
	if n == 0 {
		return false, nil
	}
	t.peeked = append(t.peeked, buf[0])
	return true, nil
}

func (t *transport) readByte() (byte, bool, error) {
	if len(t.peeked) > 0 {
		b := t.peeked[0]
		t.peeked = t.peeked[1:]
		return b, true, nil
	}
	var buf [1]byte
	n, err := t.link.Read(buf[:])
	if err != nil {
		return 0, false, fmt.Errorf("%w: read: %v", ErrProtocol, err)
	}
	if n == 0 { // read timeout
		return 0, false, nil
	}
	return buf[0], true, nil
}

// readLine reads through the next linefeed and returns the line with
// surrounding whitespace stripped. A timeout mid-line is a protocol
// violation: the pump declares its line count up front.
func (t *transport) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, ok, err := t.readByte()
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: timed out waiting for response line (partial %q)", ErrProtocol, sb.String())
		}
		if b == '\n' {
			return strings.TrimSpace(sb.String()), nil
		}
		sb.WriteByte(b)
	}
}

// readPrompt reads the trailing prompt. 'T' requires a lookahead read: the
// next byte must be '*' to form TargetReached, anything else is a framing
// error.
func (t *transport) readPrompt() (Prompt, error) {
	b, ok, err := t.readByte()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: timed out waiting for prompt", ErrProtocol)
	}
	if b == 'T' {
		star, ok, err := t.readByte()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: 'T' prompt missing trailing '*'", ErrProtocol)
		}
		if star != '*' {
			return 0, fmt.Errorf("%w: 'T' prompt followed by %q, want '*'", ErrProtocol, star)
		}
		return TargetReached, nil
	}
	p, err := DecodePrompt(b)
	if err != nil {
		return 0, err
	}
	t.logger.Debug("prompt", zap.String("state", p.String()))
	return p, nil
}
