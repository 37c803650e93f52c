package pump

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds everything needed to open and initialize a Legato 110.
//
// ForcePercent and Footswitch are safety defaults, not protocol constants:
// 50% and a falling-edge trigger suit glass syringes and 5V TTL triggering,
// but other rigs may want different values, so they ride in config next to
// the port settings.
type Config struct {
	Port         string
	Baud         int
	ReadTimeout  time.Duration
	ForcePercent int
	Footswitch   FootswitchMode
	ModelPrefix  string
}

func (c Config) withDefaults() Config {
	if c.Baud == 0 {
		c.Baud = 115200
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = time.Second
	}
	if c.ForcePercent == 0 {
		c.ForcePercent = 50
	}
	if c.Footswitch == "" {
		c.Footswitch = FootswitchFall
	}
	if c.ModelPrefix == "" {
		c.ModelPrefix = "Legato 110"
	}
	return c
}

// directionSettle is how long the pump needs after reloading the
// quick-start program before the next command is reliable.
const directionSettle = 200 * time.Millisecond

var rateCommand = map[Direction]string{
	Withdraw: "wrate",
	Infuse:   "irate",
}

// rateLimit is one direction's device-reported [min, max], fetched during
// the handshake and treated as immutable for the session unless re-queried.
type rateLimit struct {
	minPlps, maxPlps   int64
	minValue, maxValue decimal.Decimal
	minUnit, maxUnit   RateUnit
	display            string // raw device string, for the dashboard
}

// Legato drives a KDS Legato 110 syringe pump over its serial line. One
// instance exclusively owns one port. All methods serialize on the internal
// mutex, so there is never more than one outstanding command and never any
// pipelining; correctness of the line protocol rests on that ordering.
type Legato struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger

	tr        *transport
	connected bool

	version     string
	versionLong []string
	syringeType string
	limits      map[Direction]rateLimit
	ratePlps    map[Direction]int64
	rateDisplay map[Direction]string
	target      string          // raw device string, "" when unset
	targetPl    decimal.Decimal // fractional picoliters, valid when target != ""
	direction   Direction
	runSeconds  map[Direction]float64
	forcePct    int
	footswitch  FootswitchMode
}

// New builds an unconnected driver. Call Connect to open the port and run
// the initialization handshake.
func New(cfg Config, logger *zap.Logger) *Legato {
	return &Legato{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		limits:      make(map[Direction]rateLimit),
		ratePlps:    make(map[Direction]int64),
		rateDisplay: make(map[Direction]string),
		runSeconds:  make(map[Direction]float64),
	}
}

func (l *Legato) Name() string { return "Legato 110" }

// Connect opens the serial link and performs the fixed handshake sequence.
// Any step failing aborts construction and closes the link.
func (l *Legato) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return nil
	}
	link, err := openLink(l.cfg.Port, l.cfg.Baud, l.cfg.ReadTimeout)
	if err != nil {
		return err
	}
	return l.start(link)
}

// start runs the initialization handshake on an already-open link. Split
// from Connect so tests can drive the handshake over a fake link.
func (l *Legato) start(link Link) error {
	l.tr = newTransport(link, l.cfg.ReadTimeout, l.logger)
	if err := l.handshake(); err != nil {
		l.tr.close()
		l.tr = nil
		return err
	}
	l.connected = true
	l.logger.Info("pump initialized",
		zap.String("version", l.version),
		zap.String("syringe", l.syringeType),
		zap.String("direction", string(l.direction)))
	return nil
}

func (l *Legato) handshake() error {
	// The line protocol only works with echo and polling off and the pump
	// at address 0; verify rather than assume.
	echo, err := l.getSingle("echo")
	if err != nil {
		return err
	}
	if echo != "OFF" {
		return fmt.Errorf("%w: command echo is %q, need OFF", ErrProtocol, echo)
	}
	poll, err := l.getSingle("poll")
	if err != nil {
		return err
	}
	if poll != "OFF" {
		return fmt.Errorf("%w: poll mode is %q, need OFF", ErrProtocol, poll)
	}
	addrLine, err := l.getSingle("addr")
	if err != nil {
		return err
	}
	if fields := strings.Fields(addrLine); len(fields) < 4 || fields[3] != "0" {
		return fmt.Errorf("%w: unexpected pump address %q, need 0", ErrProtocol, addrLine)
	}

	l.version, err = l.getSingle("ver")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(l.version, l.cfg.ModelPrefix) {
		return fmt.Errorf("%w: unexpected device %q, want %q", ErrProtocol, l.version, l.cfg.ModelPrefix)
	}
	l.versionLong, _, err = l.tr.exchange("version", 3)
	if err != nil {
		return err
	}

	if err := l.setFootswitchLocked(l.cfg.Footswitch); err != nil {
		return err
	}
	if err := l.setForceLocked(l.cfg.ForcePercent); err != nil {
		return err
	}

	if _, err := l.statusLocked(); err != nil {
		return err
	}
	// strict: an unset target volume or a zero rate makes run times
	// impossible to estimate, and the pump must be programmed (touch
	// screen or setters) before runs make sense.
	return l.refreshLocked(true)
}

// Close releases the serial link. Safe to call more than once and after
// any error state.
func (l *Legato) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tr == nil {
		return nil
	}
	err := l.tr.close()
	l.tr = nil
	l.connected = false
	return err
}

func (l *Legato) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Legato) ensureConnected() error {
	if !l.connected || l.tr == nil {
		return fmt.Errorf("%w: not connected", ErrConnectivity)
	}
	return nil
}

// Snapshot returns a copy of the cached session state. No I/O.
func (l *Legato) Snapshot() *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &Snapshot{
		Connected:      l.connected,
		Version:        l.version,
		VersionLong:    append([]string(nil), l.versionLong...),
		SyringeType:    l.syringeType,
		TargetVolume:   l.target,
		Direction:      string(l.direction),
		InfuseRate:     l.rateDisplay[Infuse],
		WithdrawRate:   l.rateDisplay[Withdraw],
		InfuseLimits:   l.limits[Infuse].display,
		WithdrawLimits: l.limits[Withdraw].display,
		InfuseSec:      l.runSeconds[Infuse],
		WithdrawSec:    l.runSeconds[Withdraw],
		ForcePercent:   l.forcePct,
		Footswitch:     string(l.footswitch),
	}
	if l.tr != nil {
		s.Running = l.tr.isRunning()
	}
	return s
}

// Refresh re-queries syringe type, rate limits, current rates, target
// volume and run direction, and recomputes the run-time estimates.
func (l *Legato) Refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureConnected(); err != nil {
		return err
	}
	return l.refreshLocked(false)
}

func (l *Legato) refreshLocked(strict bool) error {
	var err error
	if l.syringeType, err = l.getSingle("syrm"); err != nil {
		return err
	}
	if err := l.fetchLimitsLocked(); err != nil {
		return err
	}
	if err := l.fetchRatesLocked(); err != nil {
		return err
	}
	if err := l.fetchTargetLocked(); err != nil {
		return err
	}
	if err := l.fetchDirectionLocked(); err != nil {
		return err
	}
	return l.estimateLocked(strict)
}

// getSingle runs a one-line query and returns that line.
func (l *Legato) getSingle(cmd string) (string, error) {
	resp, _, err := l.tr.exchange(cmd, 1)
	if err != nil {
		return "", err
	}
	return resp[0], nil
}

// statusInfo is the pump's status report: current rate in fL/s, elapsed
// time in ms, moved volume in fL, and the six-character flag field (motor
// direction, limit switch, stall, trigger input, direction port, target
// reached).
type statusInfo struct {
	RateFemtoLPerSec string
	ElapsedMs        string
	VolumeFemtoL     string
	Flags            string
}

func (l *Legato) statusLocked() (*statusInfo, error) {
	line, err := l.getSingle("status")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil, fmt.Errorf("%w: malformed status %q", ErrProtocol, line)
	}
	st := &statusInfo{
		RateFemtoLPerSec: fields[0],
		ElapsedMs:        fields[1],
		VolumeFemtoL:     fields[2],
		Flags:            fields[3],
	}
	l.logger.Debug("pump status",
		zap.String("rate_fl_s", st.RateFemtoLPerSec),
		zap.String("elapsed_ms", st.ElapsedMs),
		zap.String("volume_fl", st.VolumeFemtoL),
		zap.String("flags", st.Flags))
	return st, nil
}

func (l *Legato) fetchLimitsLocked() error {
	for dir, cmd := range map[Direction]string{Withdraw: "wrate lim", Infuse: "irate lim"} {
		line, err := l.getSingle(cmd)
		if err != nil {
			return err
		}
		lim, err := parseRateLimit(line)
		if err != nil {
			return err
		}
		l.limits[dir] = lim
	}
	return nil
}

// parseRateLimit parses a limits report like
// "16.6667 nl/min to 13.1579 ml/min" into canonical bounds.
func parseRateLimit(line string) (rateLimit, error) {
	parts := strings.Split(line, " to ")
	if len(parts) != 2 {
		return rateLimit{}, fmt.Errorf("%w: malformed rate limits %q", ErrProtocol, line)
	}
	minVal, minUnit, err := splitQuantity(parts[0])
	if err != nil {
		return rateLimit{}, err
	}
	maxVal, maxUnit, err := splitQuantity(parts[1])
	if err != nil {
		return rateLimit{}, err
	}
	minPlps, err := ToCanonicalRate(minVal, RateUnit(minUnit))
	if err != nil {
		return rateLimit{}, fmt.Errorf("%w: rate limits %q: %v", ErrProtocol, line, err)
	}
	maxPlps, err := ToCanonicalRate(maxVal, RateUnit(maxUnit))
	if err != nil {
		return rateLimit{}, fmt.Errorf("%w: rate limits %q: %v", ErrProtocol, line, err)
	}
	return rateLimit{
		minPlps: minPlps, maxPlps: maxPlps,
		minValue: minVal, maxValue: maxVal,
		minUnit: RateUnit(minUnit), maxUnit: RateUnit(maxUnit),
		display: line,
	}, nil
}

func (l *Legato) fetchRatesLocked() error {
	for dir, cmd := range rateCommand {
		line, err := l.getSingle(cmd)
		if err != nil {
			return err
		}
		v, unit, err := splitQuantity(line)
		if err != nil {
			return err
		}
		plps, err := ToCanonicalRate(v, RateUnit(unit))
		if err != nil {
			return fmt.Errorf("%w: %s report %q: %v", ErrProtocol, cmd, line, err)
		}
		l.ratePlps[dir] = plps
		l.rateDisplay[dir] = line
	}
	return nil
}

const targetUnsetReply = "Target volume not set"

func (l *Legato) fetchTargetLocked() error {
	line, err := l.getSingle("tvolume")
	if err != nil {
		return err
	}
	if line == targetUnsetReply {
		l.target = ""
		l.targetPl = decimal.Decimal{}
		return nil
	}
	v, unit, err := splitQuantity(line)
	if err != nil {
		return err
	}
	pl, err := ToCanonicalVolume(v, VolumeUnit(unit))
	if err != nil {
		return fmt.Errorf("%w: target volume report %q: %v", ErrProtocol, line, err)
	}
	l.target = line
	l.targetPl = pl
	return nil
}

func (l *Legato) fetchDirectionLocked() error {
	line, err := l.getSingle("load")
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return fmt.Errorf("%w: malformed program report %q", ErrProtocol, line)
	}
	switch fields[3] {
	case "Withdraw":
		l.direction = Withdraw
	case "Infuse":
		l.direction = Infuse
	default:
		return fmt.Errorf("%w: unsupported run direction %q", ErrProtocol, fields[3])
	}
	return nil
}

// estimateLocked derives per-direction run times from the target volume and
// current rates. In strict mode (handshake) an unset target or a zero rate
// is an error; otherwise the estimate is simply left at zero.
func (l *Legato) estimateLocked(strict bool) error {
	if l.target == "" {
		if strict {
			return fmt.Errorf("%w: target volume not set; program the pump before connecting", ErrValidation)
		}
		l.runSeconds[Withdraw], l.runSeconds[Infuse] = 0, 0
		return nil
	}
	for _, dir := range []Direction{Withdraw, Infuse} {
		plps := l.ratePlps[dir]
		if plps == 0 {
			if strict {
				return fmt.Errorf("%w: zero %s rate; set a non-zero rate before connecting", ErrValidation, dir)
			}
			l.runSeconds[dir] = 0
			continue
		}
		secs := l.targetPl.DivRound(decimal.NewFromInt(plps), 6)
		l.runSeconds[dir] = secs.InexactFloat64()
	}
	return nil
}

// SetFlowRate sets one direction's flow rate to a whole number of unit.
// The value is validated against the cached device limits in canonical
// units before anything is sent, then read back and compared exactly.
func (l *Legato) SetFlowRate(dir Direction, value int64, unit RateUnit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureConnected(); err != nil {
		return err
	}
	return l.setFlowRateLocked(dir, value, unit)
}

func (l *Legato) setFlowRateLocked(dir Direction, value int64, unit RateUnit) error {
	cmd, ok := rateCommand[dir]
	if !ok {
		return fmt.Errorf("%w: unknown run direction %q", ErrValidation, dir)
	}
	if value == 0 {
		return fmt.Errorf("%w: zero flow rate", ErrValidation)
	}
	plps, err := ToCanonicalRate(decimal.NewFromInt(value), unit)
	if err != nil {
		return err
	}
	lim := l.limits[dir]
	if plps < lim.minPlps {
		return fmt.Errorf("%w: %s rate %d %s below minimum %s %s",
			ErrValidation, dir, value, unit, lim.minValue, lim.minUnit)
	}
	if plps > lim.maxPlps {
		return fmt.Errorf("%w: %s rate %d %s above maximum %s %s",
			ErrValidation, dir, value, unit, lim.maxValue, lim.maxUnit)
	}
	if _, _, err := l.tr.exchange(fmt.Sprintf("%s %d %s", cmd, value, unit), 0); err != nil {
		return err
	}
	if err := l.fetchRatesLocked(); err != nil {
		return err
	}
	if got := l.ratePlps[dir]; got != plps {
		return fmt.Errorf("%w: requested %s rate %d pL/s, device reports %d pL/s",
			ErrPostCondition, dir, plps, got)
	}
	l.logger.Info("flow rate set",
		zap.String("direction", string(dir)),
		zap.Int64("value", value),
		zap.String("unit", string(unit)))
	return l.estimateLocked(false)
}

// SetFlowRateBound sets one direction's flow rate to the device-reported
// minimum or maximum for that direction.
func (l *Legato) SetFlowRateBound(dir Direction, bound RateBound) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureConnected(); err != nil {
		return err
	}
	lim, ok := l.limits[dir]
	if !ok {
		return fmt.Errorf("%w: unknown run direction %q", ErrValidation, dir)
	}
	// Round inward so the whole-number request stays within the reported
	// bound: ceiling at the minimum, floor at the maximum.
	switch bound {
	case MinRate:
		return l.setFlowRateLocked(dir, lim.minValue.Ceil().IntPart(), lim.minUnit)
	case MaxRate:
		return l.setFlowRateLocked(dir, lim.maxValue.Floor().IntPart(), lim.maxUnit)
	default:
		return fmt.Errorf("%w: unknown rate bound %d", ErrValidation, bound)
	}
}

// SetTargetVolume programs the target volume. Zero is rejected for every
// unit; the read-back comparison happens in canonical picoliters so the
// device is free to report the volume in a different denomination.
func (l *Legato) SetTargetVolume(value decimal.Decimal, unit VolumeUnit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureConnected(); err != nil {
		return err
	}
	if value.IsZero() {
		return fmt.Errorf("%w: zero target volume", ErrValidation)
	}
	pl, err := ToCanonicalVolume(value, unit)
	if err != nil {
		return err
	}
	if _, _, err := l.tr.exchange(fmt.Sprintf("tvolume %s %s", value, unit), 0); err != nil {
		return err
	}
	if err := l.fetchTargetLocked(); err != nil {
		return err
	}
	if l.target == "" || !l.targetPl.Equal(pl) {
		return fmt.Errorf("%w: requested target volume %s %s, device reports %q",
			ErrPostCondition, value, unit, l.target)
	}
	l.logger.Info("target volume set", zap.String("volume", l.target))
	return l.estimateLocked(false)
}

// SetRunDirection reloads the quick-start program for the given direction.
func (l *Legato) SetRunDirection(dir Direction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureConnected(); err != nil {
		return err
	}
	var cmd string
	switch dir {
	case Withdraw:
		cmd = "load qs w"
	case Infuse:
		cmd = "load qs i"
	default:
		return fmt.Errorf("%w: unknown run direction %q", ErrValidation, dir)
	}
	if _, _, err := l.tr.exchange(cmd, 0); err != nil {
		return err
	}
	if err := l.fetchDirectionLocked(); err != nil {
		return err
	}
	if l.direction != dir {
		return fmt.Errorf("%w: requested direction %s, device reports %s",
			ErrPostCondition, dir, l.direction)
	}
	l.logger.Info("run direction set", zap.String("direction", string(dir)))
	time.Sleep(directionSettle)
	return nil
}

// SetForce sets the plunger force as a percentage in [1, 100].
func (l *Legato) SetForce(pct int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureConnected(); err != nil {
		return err
	}
	return l.setForceLocked(pct)
}

func (l *Legato) setForceLocked(pct int) error {
	if pct < 1 || pct > 100 {
		return fmt.Errorf("%w: force %d%% out of range [1,100]", ErrValidation, pct)
	}
	if _, _, err := l.tr.exchange("force "+strconv.Itoa(pct), 0); err != nil {
		return err
	}
	got, err := l.getForceLocked()
	if err != nil {
		return err
	}
	if got != pct {
		return fmt.Errorf("%w: requested force %d%%, device reports %d%%", ErrPostCondition, pct, got)
	}
	l.forcePct = pct
	return nil
}

func (l *Legato) getForceLocked() (int, error) {
	line, err := l.getSingle("force")
	if err != nil {
		return 0, err
	}
	idx := strings.IndexByte(line, '%')
	if idx < 0 {
		return 0, fmt.Errorf("%w: malformed force report %q", ErrProtocol, line)
	}
	pct, err := strconv.Atoi(line[:idx])
	if err != nil {
		return 0, fmt.Errorf("%w: malformed force report %q", ErrProtocol, line)
	}
	return pct, nil
}

// SetFootswitchMode sets the footswitch trigger convention.
func (l *Legato) SetFootswitchMode(mode FootswitchMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureConnected(); err != nil {
		return err
	}
	return l.setFootswitchLocked(mode)
}

// footswitchReports maps the pump's ftswitch report strings back to modes.
// "Active low" is the one that runs with 0V on the trigger input.
var footswitchReports = map[string]FootswitchMode{
	"Momentary":   FootswitchMomentary,
	"Active high": FootswitchRise,
	"Active low":  FootswitchFall,
}

func (l *Legato) setFootswitchLocked(mode FootswitchMode) error {
	switch mode {
	case FootswitchMomentary, FootswitchRise, FootswitchFall:
	default:
		return fmt.Errorf("%w: unknown footswitch mode %q", ErrValidation, mode)
	}
	if _, _, err := l.tr.exchange("ftswitch "+string(mode), 0); err != nil {
		return err
	}
	got, err := l.getFootswitchLocked()
	if err != nil {
		return err
	}
	if got != mode {
		return fmt.Errorf("%w: requested footswitch mode %q, device reports %q",
			ErrPostCondition, mode, got)
	}
	l.footswitch = mode
	return nil
}

func (l *Legato) getFootswitchLocked() (FootswitchMode, error) {
	line, err := l.getSingle("ftswitch")
	if err != nil {
		return "", err
	}
	mode, ok := footswitchReports[line]
	if !ok {
		return "", fmt.Errorf("%w: unknown footswitch report %q", ErrProtocol, line)
	}
	return mode, nil
}

// Run starts the programmed transfer. If a previous non-blocking run is
// still outstanding it is resolved first, so each run's target-reached
// notice is observed exactly once.
func (l *Legato) Run(block bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureConnected(); err != nil {
		return err
	}
	if l.tr.isRunning() {
		if err := l.tr.waitTargetReached(); err != nil {
			return err
		}
	}
	if _, _, err := l.tr.exchange("run", 0); err != nil {
		return err
	}
	l.tr.beginRun()
	l.logger.Info("run started",
		zap.String("direction", string(l.direction)),
		zap.Bool("block", block))
	if block {
		if err := l.tr.waitTargetReached(); err != nil {
			return err
		}
		l.logger.Info("run finished")
	}
	return nil
}

// WaitRunDone blocks until the pump reports the current run complete.
func (l *Legato) WaitRunDone() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureConnected(); err != nil {
		return err
	}
	if err := l.tr.waitTargetReached(); err != nil {
		return err
	}
	l.logger.Info("run finished")
	return nil
}

// Stop pre-empts the current run. The stop may cross the pump's own
// completion notice on the wire; the transport drains that case, so Stop is
// safe whichever side wins the race.
func (l *Legato) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureConnected(); err != nil {
		return err
	}
	if _, _, err := l.tr.exchange("stop", 0); err != nil {
		return err
	}
	l.tr.clearRun()
	l.logger.Info("run stopped")
	return nil
}
