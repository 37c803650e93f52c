package pump

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Demo is an in-memory pump with the same Driver surface as Legato. It
// exists so the dashboard and CLI can be exercised without hardware: runs
// take simulated time, setters validate against fixed limits, and state
// behaves like a freshly programmed Legato 110 with a 10 ml glass syringe.
type Demo struct {
	mu     sync.Mutex
	logger *zap.Logger

	connected bool
	limits    map[Direction]rateLimit
	ratePlps  map[Direction]int64
	rateText  map[Direction]string
	targetPl  decimal.Decimal
	target    string
	direction Direction
	forcePct  int
	footsw    FootswitchMode

	running bool
	doneCh  chan struct{}
	timer   *time.Timer
}

// demoTimeScale compresses simulated run durations so a multi-minute
// transfer finishes in a couple of seconds on the dashboard.
const demoTimeScale = 0.01

func NewDemo(logger *zap.Logger) *Demo {
	minLim, _ := parseRateLimit("16.6667 nl/min to 13.1579 ml/min")
	return &Demo{
		logger: logger,
		limits: map[Direction]rateLimit{
			Infuse:   minLim,
			Withdraw: minLim,
		},
		ratePlps: map[Direction]int64{
			Infuse:   16666667, // 1 ml/min
			Withdraw: 16666667,
		},
		rateText: map[Direction]string{
			Infuse:   "1 ml/min",
			Withdraw: "1 ml/min",
		},
		targetPl:  decimal.New(5, 9), // 5 ml
		target:    "5 ml",
		direction: Infuse,
		forcePct:  50,
		footsw:    FootswitchFall,
	}
}

func (d *Demo) Name() string { return "Legato 110 (demo)" }

func (d *Demo) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	d.logger.Info("demo pump initialized")
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.connected = false
	return nil
}

func (d *Demo) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Demo) Refresh() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return fmt.Errorf("%w: not connected", ErrConnectivity)
	}
	return nil
}

func (d *Demo) Snapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &Snapshot{
		Connected:      d.connected,
		Version:        "Legato 110 V2.0.5 (demo)",
		SyringeType:    "bdg, 10 ml",
		TargetVolume:   d.target,
		Direction:      string(d.direction),
		InfuseRate:     d.rateText[Infuse],
		WithdrawRate:   d.rateText[Withdraw],
		InfuseLimits:   d.limits[Infuse].display,
		WithdrawLimits: d.limits[Withdraw].display,
		InfuseSec:      d.runSecondsLocked(Infuse),
		WithdrawSec:    d.runSecondsLocked(Withdraw),
		ForcePercent:   d.forcePct,
		Footswitch:     string(d.footsw),
		Running:        d.running,
	}
}

func (d *Demo) runSecondsLocked(dir Direction) float64 {
	plps := d.ratePlps[dir]
	if plps == 0 || d.target == "" {
		return 0
	}
	return d.targetPl.DivRound(decimal.NewFromInt(plps), 6).InexactFloat64()
}

func (d *Demo) SetFlowRate(dir Direction, value int64, unit RateUnit) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if value == 0 {
		return fmt.Errorf("%w: zero flow rate", ErrValidation)
	}
	plps, err := ToCanonicalRate(decimal.NewFromInt(value), unit)
	if err != nil {
		return err
	}
	lim := d.limits[dir]
	if plps < lim.minPlps || plps > lim.maxPlps {
		return fmt.Errorf("%w: %s rate %d %s outside %s", ErrValidation, dir, value, unit, lim.display)
	}
	d.ratePlps[dir] = plps
	d.rateText[dir] = fmt.Sprintf("%d %s", value, unit)
	return nil
}

func (d *Demo) SetFlowRateBound(dir Direction, bound RateBound) error {
	lim := d.limits[dir]
	if bound == MinRate {
		return d.SetFlowRate(dir, lim.minValue.Ceil().IntPart(), lim.minUnit)
	}
	return d.SetFlowRate(dir, lim.maxValue.Floor().IntPart(), lim.maxUnit)
}

func (d *Demo) SetTargetVolume(value decimal.Decimal, unit VolumeUnit) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if value.IsZero() {
		return fmt.Errorf("%w: zero target volume", ErrValidation)
	}
	pl, err := ToCanonicalVolume(value, unit)
	if err != nil {
		return err
	}
	d.targetPl = pl
	d.target = fmt.Sprintf("%s %s", value, unit)
	return nil
}

func (d *Demo) SetRunDirection(dir Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch dir {
	case Infuse, Withdraw:
		d.direction = dir
		return nil
	default:
		return fmt.Errorf("%w: unknown run direction %q", ErrValidation, dir)
	}
}

func (d *Demo) SetForce(pct int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pct < 1 || pct > 100 {
		return fmt.Errorf("%w: force %d%% out of range [1,100]", ErrValidation, pct)
	}
	d.forcePct = pct
	return nil
}

func (d *Demo) SetFootswitchMode(mode FootswitchMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch mode {
	case FootswitchMomentary, FootswitchRise, FootswitchFall:
		d.footsw = mode
		return nil
	default:
		return fmt.Errorf("%w: unknown footswitch mode %q", ErrValidation, mode)
	}
}

func (d *Demo) Run(block bool) error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrConnectivity)
	}
	if d.running {
		// A demo run always completes on its own; just wait it out.
		ch := d.doneCh
		d.mu.Unlock()
		<-ch
		d.mu.Lock()
	}
	dur := time.Duration(d.runSecondsLocked(d.direction) * demoTimeScale * float64(time.Second))
	if dur < 100*time.Millisecond {
		dur = 100 * time.Millisecond
	}
	d.running = true
	ch := make(chan struct{})
	d.doneCh = ch
	d.timer = time.AfterFunc(dur, func() {
		d.mu.Lock()
		// Stop may have raced the timer; only the owning run closes.
		if d.doneCh == ch {
			d.running = false
			close(ch)
		}
		d.mu.Unlock()
	})
	d.logger.Info("demo run started", zap.Duration("duration", dur))
	d.mu.Unlock()

	if block {
		<-ch
	}
	return nil
}

func (d *Demo) WaitRunDone() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("%w: no run in progress", ErrNotRunning)
	}
	ch := d.doneCh
	d.mu.Unlock()
	<-ch
	return nil
}

func (d *Demo) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	return nil
}

func (d *Demo) stopLocked() {
	if !d.running {
		return
	}
	d.timer.Stop()
	d.running = false
	ch := d.doneCh
	d.doneCh = nil
	close(ch)
}
