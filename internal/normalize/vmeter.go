package normalize

import (
	"fmt"
	"time"

	"github.com/sunwatch/go-pvs/internal/domain"
)

// VirtualProductionMeter aggregates all inverters into a synthetic production
// meter so sites without a physical production CT still get a production
// series. Field names match a real power meter's; the meter reports all
// production as export.
func VirtualProductionMeter(gatewaySerial string, inverters []domain.DeviceRecord, measuredAt time.Time) (domain.DeviceRecord, bool) {
	if gatewaySerial == "" || len(inverters) == 0 {
		return domain.DeviceRecord{}, false
	}

	var kwh, kw, amps float64
	var freqs, volts []float64
	state := domain.StateWorking

	for i := range inverters {
		inv := &inverters[i]
		if inv.State != domain.StateWorking {
			state = inv.State
		}
		if v, ok := inv.Float(domain.FieldLifetimeEnergy); ok {
			kwh += v
		}
		if v, ok := inv.Float(domain.FieldMPPTPower); ok {
			kw += v
		}
		if v, ok := inv.Float(domain.FieldCurrent); ok {
			amps += v
		}
		if v, ok := inv.Float(domain.FieldFrequency); ok {
			freqs = append(freqs, v)
		}
		if v, ok := inv.Float(domain.FieldVoltage); ok {
			volts = append(volts, v)
		}
	}

	freqAvg := average(freqs, 60.0)
	voltsAvg := average(volts, 240.0)
	serial := gatewaySerial + "pv"

	return domain.DeviceRecord{
		Type:      domain.DeviceTypeMeter,
		Subtype:   "PVS-METER-P",
		Serial:    serial,
		State:     state,
		Model:     "Virtual Production Meter",
		Descr:     fmt.Sprintf("Virtual Production Meter %s", serial),
		SWVersion: "1.0",
		HWVersion: "Virtual",
		Fields: map[string]interface{}{
			domain.FieldMeterNetLifetime: Round2(kwh),
			domain.FieldMeterToGrid:      Round2(kwh),
			domain.FieldPower:            kw,
			domain.FieldFrequency:        freqAvg,
			domain.FieldMeterCurrent:     amps,
			domain.FieldMeterSupplyVolts: voltsAvg,
			domain.FieldMeterApparent:    kw,
			domain.FieldMeterPowerFactor: 1.0,
		},
		MeasuredAt: measuredAt,
	}, true
}

func average(values []float64, fallback float64) float64 {
	if len(values) == 0 {
		return fallback
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
