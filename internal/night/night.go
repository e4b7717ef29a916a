// Package night handles the expected nightly dormancy of solar hardware:
// deciding when the site is dormant and scrubbing instantaneous readings from
// cached data served during that window. Microinverters power down after
// sunset; without this layer they would flap between "missing" and "present"
// and cached daytime power readings would be served as if current.
package night

import (
	"time"

	"github.com/sunwatch/go-pvs/internal/domain"
)

// instantaneousFields are zeroed during sanitization. Lifetime counters,
// temperatures, state-of-charge and identity fields are deliberately absent:
// they stay meaningful while the hardware sleeps.
var instantaneousFields = []string{
	domain.FieldPower,
	domain.FieldCurrent,
	domain.FieldVoltage,
	domain.FieldFrequency,
	domain.FieldMPPTPower,
	domain.FieldMPPTVoltage,
	domain.FieldMPPTCurrent,
	domain.FieldMeterCurrent,
	domain.FieldMeterSupplyVolts,
	domain.FieldMeterLeg1Power,
	domain.FieldMeterLeg2Power,
	domain.FieldMeterLeg1Amps,
	domain.FieldMeterLeg2Amps,
	domain.FieldMeterLeg1Volts,
	domain.FieldMeterLeg2Volts,
	domain.FieldMeterReactive,
	domain.FieldMeterApparent,
}

// Window is a local-time dormancy window, possibly wrapping midnight.
type Window struct {
	Enabled   bool
	StartHour int
	EndHour   int
}

// Contains reports whether t falls inside the window. A disabled or empty
// window contains nothing.
func (w Window) Contains(t time.Time) bool {
	if !w.Enabled || w.StartHour == w.EndHour {
		return false
	}
	h := t.Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	// Wraps midnight, e.g. 21 -> 6
	return h >= w.StartHour || h < w.EndHour
}

// Sanitize returns a copy of the snapshot with instantaneous fields zeroed
// and the source retagged. The input snapshot is never mutated.
func Sanitize(snap *domain.Snapshot) *domain.Snapshot {
	out := snap.Clone()
	out.Source = domain.SourceSanitizedCache
	for i := range out.Devices {
		zeroInstantaneous(&out.Devices[i])
	}
	return out
}

// MergeDormant carries cached inverter and meter records forward into a
// fresh nighttime snapshot when the hardware has dropped off the bus. The
// carried records get their instantaneous fields zeroed; devices the fresh
// snapshot does report win unchanged. Both inputs stay unmodified.
func MergeDormant(fresh, cached *domain.Snapshot) *domain.Snapshot {
	out := fresh.Clone()
	if cached == nil {
		return out
	}

	present := make(map[string]bool, len(out.Devices))
	for i := range out.Devices {
		present[out.Devices[i].Serial] = true
	}

	for i := range cached.Devices {
		rec := &cached.Devices[i]
		if present[rec.Serial] {
			continue
		}
		switch rec.Type {
		case domain.DeviceTypeInverter, domain.DeviceTypeMeter:
			carried := rec.Clone()
			zeroInstantaneous(&carried)
			out.Devices = append(out.Devices, carried)
		}
	}
	return out
}

func zeroInstantaneous(rec *domain.DeviceRecord) {
	for _, field := range instantaneousFields {
		if _, ok := rec.Fields[field]; ok {
			rec.Fields[field] = 0.0
		}
	}
}
