package pump

import "github.com/shopspring/decimal"

// Direction selects which of the pump's two quick-start programs a rate or
// run applies to.
type Direction string

const (
	Infuse   Direction = "infuse"
	Withdraw Direction = "withdraw"
)

// RateBound is a symbolic flow-rate request at one of the device-reported
// limits for a direction.
type RateBound int

const (
	MinRate RateBound = iota
	MaxRate
)

func (b RateBound) String() string {
	if b == MinRate {
		return "min"
	}
	return "max"
}

// FootswitchMode is the trigger convention for the pump's footswitch input,
// as accepted by the ftswitch command.
type FootswitchMode string

const (
	FootswitchMomentary FootswitchMode = "mom"
	FootswitchRise      FootswitchMode = "rise"
	FootswitchFall      FootswitchMode = "fall"
)

// Driver is the surface the dashboard and CLI consume. Legato implements it
// against real hardware; Demo implements it against a simulation so the
// front-end can run without a pump attached.
type Driver interface {
	Name() string
	Connect() error
	Close() error
	IsConnected() bool

	// Snapshot returns an immutable copy of the cached session state. It
	// performs no I/O; call Refresh to re-query the device first.
	Snapshot() *Snapshot
	Refresh() error

	SetFlowRate(dir Direction, value int64, unit RateUnit) error
	SetFlowRateBound(dir Direction, bound RateBound) error
	SetTargetVolume(value decimal.Decimal, unit VolumeUnit) error
	SetRunDirection(dir Direction) error
	SetForce(pct int) error
	SetFootswitchMode(mode FootswitchMode) error

	// Run starts the programmed transfer. With block set it waits for the
	// pump's target-reached notice before returning; otherwise the run
	// continues in the background and is resolved by WaitRunDone or by the
	// deferred-notice drain on a later exchange.
	Run(block bool) error
	// WaitRunDone blocks until the current run finishes. Calling it with no
	// run in progress returns ErrNotRunning.
	WaitRunDone() error
	// Stop pre-empts the current run. Safe to call when idle.
	Stop() error
}

// Snapshot mirrors the fields the companion front-end displays. All values
// are copies; mutating a snapshot never touches driver state.
type Snapshot struct {
	Connected      bool     `json:"connected"`
	Version        string   `json:"version"`
	VersionLong    []string `json:"versionLong,omitempty"`
	SyringeType    string   `json:"syringeType"`
	TargetVolume   string   `json:"targetVolume"` // device string, "" when unset
	Direction      string   `json:"direction"`
	InfuseRate     string   `json:"infuseRate"`
	WithdrawRate   string   `json:"withdrawRate"`
	InfuseLimits   string   `json:"infuseLimits"`
	WithdrawLimits string   `json:"withdrawLimits"`
	InfuseSec      float64  `json:"infuseSec"`   // estimated run time, 0 when unknown
	WithdrawSec    float64  `json:"withdrawSec"` // estimated run time, 0 when unknown
	ForcePercent   int      `json:"forcePercent"`
	Footswitch     string   `json:"footswitch"`
	Running        bool     `json:"running"`
}
