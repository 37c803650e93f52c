package pump

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pumpSim emulates a programmed Legato 110 behind the Link interface:
// commands are parsed on the carriage return and the full reply (blank
// line, response lines, prompt) is queued for reading. Run completion is
// modeled the way the hardware behaves: after the motor "finishes", the
// target-reached notice is sent on its own to a waiting reader, or bundled
// after the next command's reply if one arrives first.
type pumpSim struct {
	mu   sync.Mutex
	cond *sync.Cond
	rx   bytes.Buffer
	cmd  bytes.Buffer

	timeout time.Duration

	echo, poll   string
	version      string
	force        int
	forceClampAt int // nonzero: device silently clamps force here
	footsw       string
	rates        map[string]string
	limits       string
	target       string // "" = not set
	targetEcho   string // nonzero: fixed tvolume report, any denomination
	direction    string
	syringe      string

	running       bool
	donePending   bool
	completeAfter time.Duration
	doneTimer     *time.Timer
}

func newPumpSim() *pumpSim {
	s := &pumpSim{
		timeout:       time.Second,
		echo:          "OFF",
		poll:          "OFF",
		version:       "Legato 110 V2.0.5",
		force:         50,
		footsw:        "Active low",
		rates:         map[string]string{"irate": "1 ml/min", "wrate": "1 ml/min"},
		limits:        "16.6667 nl/min to 13.1579 ml/min",
		target:        "5 ml",
		direction:     "Infuse",
		syringe:       "bdg, 10 ml",
		completeAfter: 10 * time.Millisecond,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *pumpSim) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.rx.Len() == 0 {
		if s.donePending && s.timeout < 0 {
			s.flushNoticeLocked()
			break
		}
		if s.timeout >= 0 {
			return 0, nil // read timeout
		}
		s.cond.Wait()
	}
	return s.rx.Read(p)
}

func (s *pumpSim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range p {
		if b == '\r' {
			s.handleLocked(s.cmd.String())
			s.cmd.Reset()
			continue
		}
		s.cmd.WriteByte(b)
	}
	return len(p), nil
}

func (s *pumpSim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doneTimer != nil {
		s.doneTimer.Stop()
	}
	s.cond.Broadcast()
	return nil
}

func (s *pumpSim) SetReadTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	return nil
}

func (s *pumpSim) flushNoticeLocked() {
	s.rx.WriteString("\r\nT*")
	s.donePending = false
}

func (s *pumpSim) replyLocked(prompt byte, lines ...string) {
	s.rx.WriteString("\r\n")
	for _, l := range lines {
		s.rx.WriteString(l + "\r\n")
	}
	s.rx.WriteByte(prompt)
	if s.donePending {
		s.flushNoticeLocked()
	}
	s.cond.Broadcast()
}

var footswReports = map[string]string{
	"mom":  "Momentary",
	"rise": "Active high",
	"fall": "Active low",
}

func (s *pumpSim) handleLocked(cmd string) {
	f := strings.Fields(cmd)
	switch {
	case cmd == "echo":
		s.replyLocked(':', s.echo)
	case cmd == "poll":
		s.replyLocked(':', s.poll)
	case cmd == "addr":
		s.replyLocked(':', "Pump address is 0")
	case cmd == "ver":
		s.replyLocked(':', s.version)
	case cmd == "version":
		s.replyLocked(':', "Firmware: V2.0.5", "Pump address: 0", "Serial number: D401234")
	case cmd == "ftswitch":
		s.replyLocked(':', s.footsw)
	case f[0] == "ftswitch":
		s.footsw = footswReports[f[1]]
		s.replyLocked(':')
	case cmd == "force":
		s.replyLocked(':', fmt.Sprintf("%d%%", s.force))
	case f[0] == "force":
		n, _ := strconv.Atoi(f[1])
		if s.forceClampAt > 0 && n > s.forceClampAt {
			n = s.forceClampAt
		}
		s.force = n
		s.replyLocked(':')
	case cmd == "status":
		s.replyLocked(':', "0 0 0 I..T..")
	case cmd == "syrm":
		s.replyLocked(':', s.syringe)
	case cmd == "irate lim" || cmd == "wrate lim":
		s.replyLocked(':', s.limits)
	case cmd == "irate" || cmd == "wrate":
		s.replyLocked(':', s.rates[cmd])
	case f[0] == "irate" || f[0] == "wrate":
		s.rates[f[0]] = f[1] + " " + f[2]
		s.replyLocked(':')
	case cmd == "tvolume":
		switch {
		case s.target == "":
			s.replyLocked(':', "Target volume not set")
		case s.targetEcho != "":
			s.replyLocked(':', s.targetEcho)
		default:
			s.replyLocked(':', s.target)
		}
	case f[0] == "tvolume":
		s.target = f[1] + " " + f[2]
		s.replyLocked(':')
	case cmd == "load":
		s.replyLocked(':', "Quick Start loaded: "+s.direction)
	case cmd == "load qs w":
		s.direction = "Withdraw"
		s.replyLocked(':')
	case cmd == "load qs i":
		s.direction = "Infuse"
		s.replyLocked(':')
	case cmd == "run":
		s.running = true
		prompt := byte('>')
		if s.direction == "Withdraw" {
			prompt = '<'
		}
		s.doneTimer = time.AfterFunc(s.completeAfter, func() {
			s.mu.Lock()
			if s.running {
				s.running = false
				s.donePending = true
				s.cond.Broadcast()
			}
			s.mu.Unlock()
		})
		s.replyLocked(prompt)
	case cmd == "stop":
		if s.running {
			s.doneTimer.Stop()
			s.running = false
		}
		s.replyLocked(':')
	default:
		s.replyLocked(':', "Invalid command: "+cmd)
	}
}

func connectSim(t *testing.T, sim *pumpSim) *Legato {
	t.Helper()
	l := New(Config{}, zap.NewNop())
	require.NoError(t, l.start(sim))
	t.Cleanup(func() { l.Close() })
	return l
}

func TestConnectHandshake(t *testing.T) {
	l := connectSim(t, newPumpSim())
	snap := l.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, "Legato 110 V2.0.5", snap.Version)
	assert.Len(t, snap.VersionLong, 3)
	assert.Equal(t, "bdg, 10 ml", snap.SyringeType)
	assert.Equal(t, "5 ml", snap.TargetVolume)
	assert.Equal(t, "infuse", snap.Direction)
	assert.Equal(t, "1 ml/min", snap.InfuseRate)
	assert.Equal(t, "16.6667 nl/min to 13.1579 ml/min", snap.InfuseLimits)
	assert.Equal(t, 50, snap.ForcePercent)
	assert.Equal(t, "fall", snap.Footswitch)
	// 5 ml at 1 ml/min is five minutes, give or take canonical rounding.
	assert.InDelta(t, 300, snap.InfuseSec, 0.01)
	assert.False(t, snap.Running)
}

func TestConnectRejectsUnprogrammedPump(t *testing.T) {
	sim := newPumpSim()
	sim.target = ""
	err := New(Config{}, zap.NewNop()).start(sim)
	require.ErrorIs(t, err, ErrValidation)

	sim = newPumpSim()
	sim.rates["irate"] = "0 ml/min"
	err = New(Config{}, zap.NewNop()).start(sim)
	require.ErrorIs(t, err, ErrValidation)
}

func TestConnectRejectsWrongDevice(t *testing.T) {
	sim := newPumpSim()
	sim.version = "PHD Ultra V1.0.2"
	err := New(Config{}, zap.NewNop()).start(sim)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestConnectRejectsEchoOn(t *testing.T) {
	sim := newPumpSim()
	sim.echo = "ON"
	err := New(Config{}, zap.NewNop()).start(sim)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestSetFlowRate(t *testing.T) {
	l := connectSim(t, newPumpSim())
	require.NoError(t, l.SetFlowRate(Infuse, 2, "ml/min"))
	snap := l.Snapshot()
	assert.Equal(t, "2 ml/min", snap.InfuseRate)
	// The run-time estimate follows the new rate.
	assert.InDelta(t, 150, snap.InfuseSec, 0.01)
}

func TestSetFlowRateValidation(t *testing.T) {
	l := connectSim(t, newPumpSim())
	err := l.SetFlowRate(Infuse, 0, "ml/min")
	require.ErrorIs(t, err, ErrValidation)

	// 10 nl/min is under the 16.6667 nl/min floor.
	err = l.SetFlowRate(Infuse, 10, "nl/min")
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "minimum")

	// 14 ml/min is over the 13.1579 ml/min ceiling.
	err = l.SetFlowRate(Withdraw, 14, "ml/min")
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "maximum")

	err = l.SetFlowRate(Infuse, 1, "ml/fortnight")
	require.ErrorIs(t, err, ErrValidation)
}

func TestSetFlowRateBound(t *testing.T) {
	// Whole-number requests round inward so they stay inside the reported
	// bounds: 16.6667 nl/min becomes 17, 13.1579 ml/min becomes 13.
	l := connectSim(t, newPumpSim())
	require.NoError(t, l.SetFlowRateBound(Withdraw, MinRate))
	assert.Equal(t, "17 nl/min", l.Snapshot().WithdrawRate)

	require.NoError(t, l.SetFlowRateBound(Withdraw, MaxRate))
	assert.Equal(t, "13 ml/min", l.Snapshot().WithdrawRate)
}

func TestSetTargetVolume(t *testing.T) {
	l := connectSim(t, newPumpSim())
	require.NoError(t, l.SetTargetVolume(decimal.RequireFromString("2.5"), Milliliters))
	assert.Equal(t, "2.5 ml", l.Snapshot().TargetVolume)
}

func TestSetTargetVolumeZero(t *testing.T) {
	l := connectSim(t, newPumpSim())
	for _, unit := range []VolumeUnit{Milliliters, Microliters, Nanoliters, Picoliters} {
		err := l.SetTargetVolume(decimal.Zero, unit)
		assert.ErrorIs(t, err, ErrValidation, "unit %s", unit)
	}
}

func TestSetTargetVolumeCrossUnitReadback(t *testing.T) {
	// The device may report the volume in a different denomination than it
	// was set in; the comparison happens in canonical picoliters.
	sim := newPumpSim()
	sim.targetEcho = "2500 ul"
	l := connectSim(t, sim)
	require.NoError(t, l.SetTargetVolume(decimal.RequireFromString("2.5"), Milliliters))
	assert.Equal(t, "2500 ul", l.Snapshot().TargetVolume)
}

func TestSetForce(t *testing.T) {
	l := connectSim(t, newPumpSim())
	require.NoError(t, l.SetForce(30))
	assert.Equal(t, 30, l.Snapshot().ForcePercent)

	require.ErrorIs(t, l.SetForce(0), ErrValidation)
	require.ErrorIs(t, l.SetForce(101), ErrValidation)
}

func TestSetForceSilentClamp(t *testing.T) {
	// The pump acknowledges but clamps; only the read-back catches it.
	// Clamping starts after the handshake so its own force set succeeds.
	sim := newPumpSim()
	l := connectSim(t, sim)
	sim.forceClampAt = 30
	err := l.SetForce(80)
	require.ErrorIs(t, err, ErrPostCondition)
}

func TestSetRunDirection(t *testing.T) {
	l := connectSim(t, newPumpSim())
	require.NoError(t, l.SetRunDirection(Withdraw))
	assert.Equal(t, "withdraw", l.Snapshot().Direction)
}

func TestSetFootswitchMode(t *testing.T) {
	l := connectSim(t, newPumpSim())
	require.NoError(t, l.SetFootswitchMode(FootswitchRise))
	assert.Equal(t, "rise", l.Snapshot().Footswitch)

	require.ErrorIs(t, l.SetFootswitchMode("toggle"), ErrValidation)
}

func TestBlockingRun(t *testing.T) {
	l := connectSim(t, newPumpSim())
	require.NoError(t, l.Run(true))
	assert.False(t, l.Snapshot().Running)
	require.ErrorIs(t, l.WaitRunDone(), ErrNotRunning)
}

func TestNonBlockingRunWait(t *testing.T) {
	l := connectSim(t, newPumpSim())
	require.NoError(t, l.Run(false))
	assert.True(t, l.Snapshot().Running)
	require.NoError(t, l.WaitRunDone())
	assert.False(t, l.Snapshot().Running)
}

func TestDeferredCompletionDrainedByNextCommand(t *testing.T) {
	// The run finishes while nobody is waiting; the completion notice
	// arrives bundled with the next exchange and is resolved there.
	sim := newPumpSim()
	l := connectSim(t, sim)
	require.NoError(t, l.Run(false))
	time.Sleep(sim.completeAfter + 30*time.Millisecond)

	require.NoError(t, l.Refresh())
	assert.False(t, l.Snapshot().Running)
	require.ErrorIs(t, l.WaitRunDone(), ErrNotRunning)
}

func TestQueryDuringRunThenBlockingFinish(t *testing.T) {
	// A query issued mid-run, before the completion notice would arrive,
	// returns the same result as when idle; the later blocking wait still
	// observes the completion exactly once and lands on Running=false.
	sim := newPumpSim()
	sim.completeAfter = 300 * time.Millisecond
	l := connectSim(t, sim)
	idleSyringe := l.Snapshot().SyringeType

	require.NoError(t, l.Run(false))
	require.NoError(t, l.Refresh())
	snap := l.Snapshot()
	assert.Equal(t, idleSyringe, snap.SyringeType)
	assert.True(t, snap.Running)

	require.NoError(t, l.WaitRunDone())
	assert.False(t, l.Snapshot().Running)
	require.ErrorIs(t, l.WaitRunDone(), ErrNotRunning)
}

func TestRunResolvesOutstandingRun(t *testing.T) {
	// A second run while the first is still outstanding waits the first
	// one out, so each completion notice is observed exactly once.
	l := connectSim(t, newPumpSim())
	require.NoError(t, l.Run(false))
	require.NoError(t, l.Run(true))
	assert.False(t, l.Snapshot().Running)
}

func TestStop(t *testing.T) {
	sim := newPumpSim()
	sim.completeAfter = time.Minute
	l := connectSim(t, sim)
	require.NoError(t, l.Run(false))
	require.NoError(t, l.Stop())
	assert.False(t, l.Snapshot().Running)
	require.ErrorIs(t, l.WaitRunDone(), ErrNotRunning)
}

func TestNotConnected(t *testing.T) {
	l := New(Config{}, zap.NewNop())
	require.ErrorIs(t, l.SetForce(50), ErrConnectivity)
	require.ErrorIs(t, l.Run(false), ErrConnectivity)
	require.NoError(t, l.Close())
	assert.False(t, l.IsConnected())
}
