package transport

import (
	"github.com/scmessenger/drift/config"
)

// PolicyLevel is one rung of the auto-adjust ladder (spec.md §4.5). The
// ladder is monotone: each level down trades responsiveness for battery
// and radio budget.
type PolicyLevel int

const (
	Maximum PolicyLevel = iota
	High
	Standard
	Reduced
	Minimal
)

func (l PolicyLevel) String() string {
	switch l {
	case Maximum:
		return "maximum"
	case High:
		return "high"
	case Standard:
		return "standard"
	case Reduced:
		return "reduced"
	case Minimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// ConnectivityClass mirrors Class for device-state reporting without
// importing a concrete transport (a host reports its best current
// connectivity, it doesn't necessarily have a live Transport for it).
type ConnectivityClass = Class

// DeviceState is the auto-adjust policy function's input, reported by the
// host platform via the core façade's set_device_state operation.
type DeviceState struct {
	BatteryPct   uint8
	Charging     bool
	Connectivity ConnectivityClass
	Motion       bool
}

// Policy is the auto-adjust policy function's output: the dials it sets.
type Policy struct {
	Level                 PolicyLevel
	BLEScanDutyCyclePct   uint8
	MaxConcurrentTransports int
	SyncSessionBudgetPerHour int
	RelayMessagesPerHourCap  uint32
}

// policyTable defines each ladder rung's dial settings. Declared as an array
// indexed by PolicyLevel so DerivePolicy is a pure lookup plus level
// selection, rather than a branch-heavy function that's easy to get
// inconsistent across dials.
var policyTable = [...]Policy{
	Maximum: {Level: Maximum, BLEScanDutyCyclePct: 100, MaxConcurrentTransports: 3, SyncSessionBudgetPerHour: 60, RelayMessagesPerHourCap: 0},
	High:    {Level: High, BLEScanDutyCyclePct: 60, MaxConcurrentTransports: 3, SyncSessionBudgetPerHour: 30, RelayMessagesPerHourCap: 1200},
	Standard: {Level: Standard, BLEScanDutyCyclePct: 30, MaxConcurrentTransports: 2, SyncSessionBudgetPerHour: 12, RelayMessagesPerHourCap: 600},
	Reduced: {Level: Reduced, BLEScanDutyCyclePct: 10, MaxConcurrentTransports: 1, SyncSessionBudgetPerHour: 4, RelayMessagesPerHourCap: 150},
	Minimal: {Level: Minimal, BLEScanDutyCyclePct: 0, MaxConcurrentTransports: 1, SyncSessionBudgetPerHour: 1, RelayMessagesPerHourCap: 30},
}

// DerivePolicy maps a device state to a ladder level and its dial settings,
// clamped by cfg's floors. Charging always overrides battery-driven
// derating to Maximum, matching "plugged in" being the one unambiguous
// high-resource signal. A user override (cfg.MaxRelayPerHour) can tighten
// the derived cap further but relay is never disabled by this function —
// per spec.md §4.5, only set_relay_enabled(false) does that.
func DerivePolicy(state DeviceState, cfg *config.Config) Policy {
	level := levelFor(state, cfg)
	policy := policyTable[level]

	if cfg.MaxRelayPerHour > 0 && (policy.RelayMessagesPerHourCap == 0 || cfg.MaxRelayPerHour < policy.RelayMessagesPerHourCap) {
		policy.RelayMessagesPerHourCap = cfg.MaxRelayPerHour
	}
	if !cfg.Transports.BLE {
		policy.BLEScanDutyCyclePct = 0
	}

	// In motion, peers come and go quickly; scan harder than the level's
	// default to avoid missing a fleeting contact window, capped at 100.
	if state.Motion && policy.BLEScanDutyCyclePct > 0 {
		boosted := policy.BLEScanDutyCyclePct + 20
		if boosted > 100 {
			boosted = 100
		}
		policy.BLEScanDutyCyclePct = boosted
	}

	// Already on the best class (Internet): a short-range scan buys
	// nothing, so the BLE scan duty cycle drops to 0. The sync and relay
	// dials keep the level's values.
	if state.Connectivity == ClassInternet {
		policy.BLEScanDutyCyclePct = 0
	}

	return policy
}

func levelFor(state DeviceState, cfg *config.Config) PolicyLevel {
	if state.Charging {
		return Maximum
	}
	if state.BatteryPct <= cfg.BatteryFloorPct {
		return Minimal
	}

	switch {
	case state.BatteryPct >= 80:
		return High
	case state.BatteryPct >= 50:
		return Standard
	case state.BatteryPct > cfg.BatteryFloorPct:
		return Reduced
	default:
		return Minimal
	}
}
