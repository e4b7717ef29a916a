package normalize

import (
	"fmt"
	"time"

	"github.com/sunwatch/go-pvs/internal/domain"
)

// ESSValue is the {"value": n} wrapper the energy-storage endpoint puts
// around every numeric reading.
type ESSValue struct {
	Value float64 `json:"value"`
}

// ESSEnvelope is the top-level shape of the energy-storage-system status
// response.
type ESSEnvelope struct {
	Report ESSReport `json:"ess_report"`
}

// ESSReport carries per-battery, per-enclosure and hub status blocks.
type ESSReport struct {
	BatteryStatus []BatteryStatus `json:"battery_status"`
	ESSStatus     []ESSStatus     `json:"ess_status"`
	HubPlusStatus *HubPlusStatus  `json:"hub_plus_status"`
}

// BatteryStatus is one battery module's report.
type BatteryStatus struct {
	SerialNumber          string   `json:"serial_number"`
	BatteryAmperage       ESSValue `json:"battery_amperage"`
	BatteryVoltage        ESSValue `json:"battery_voltage"`
	CustomerStateOfCharge ESSValue `json:"customer_state_of_charge"`
	SystemStateOfCharge   ESSValue `json:"system_state_of_charge"`
	Temperature           ESSValue `json:"temperature"`
}

// ESSMeterReading is the nested meter block of an enclosure report.
type ESSMeterReading struct {
	AggPower ESSValue `json:"agg_power"`
}

// ESSStatus is one storage enclosure's report.
type ESSStatus struct {
	SerialNumber         string          `json:"serial_number"`
	EnclosureHumidity    ESSValue        `json:"enclosure_humidity"`
	EnclosureTemperature ESSValue        `json:"enclosure_temperature"`
	MeterReading         ESSMeterReading `json:"ess_meter_reading"`
}

// HubPlusStatus is the transfer-switch hub report.
type HubPlusStatus struct {
	SerialNumber       string   `json:"serial_number"`
	ContactorPosition  string   `json:"contactor_position"`
	GridFrequencyState string   `json:"grid_frequency_state"`
	GridVoltageState   string   `json:"grid_voltage_state"`
	LoadFrequencyState string   `json:"load_frequency_state"`
	LoadVoltageState   string   `json:"load_voltage_state"`
	GridPhase1Voltage  ESSValue `json:"grid_phase1_voltage"`
	GridPhase2Voltage  ESSValue `json:"grid_phase2_voltage"`
	LoadPhase1Voltage  ESSValue `json:"load_phase1_voltage"`
	LoadPhase2Voltage  ESSValue `json:"load_phase2_voltage"`
	MainVoltage        ESSValue `json:"main_voltage"`
	HubHumidity        ESSValue `json:"hub_humidity"`
	HubTemperature     ESSValue `json:"hub_temperature"`
}

// ESSDevices converts a storage report into canonical device records. The
// storage endpoint never reports device state or firmware versions, so those
// are back-filled: downstream consumers must not observe a field present on
// one protocol and missing on the other.
func ESSDevices(report ESSReport, measuredAt time.Time) []domain.DeviceRecord {
	records := make([]domain.DeviceRecord, 0, len(report.BatteryStatus)+len(report.ESSStatus)+1)

	for i, battery := range report.BatteryStatus {
		serial := battery.SerialNumber
		if serial == "" {
			serial = fmt.Sprintf("ess_battery_%d", i)
		}

		fields := map[string]interface{}{
			domain.FieldBatteryAmps:  battery.BatteryAmperage.Value,
			domain.FieldBatteryVolts: battery.BatteryVoltage.Value,
			domain.FieldBatteryTemp:  battery.Temperature.Value,
		}
		if soc, ok := ScaleSOC(battery.CustomerStateOfCharge.Value); ok {
			fields[domain.FieldCustomerSOC] = soc
		} else {
			logger.Warn().
				Str("serial", serial).
				Float64("value", battery.CustomerStateOfCharge.Value).
				Msg("Dropping out-of-range customer state of charge")
		}
		if soc, ok := ScaleSOC(battery.SystemStateOfCharge.Value); ok {
			fields[domain.FieldSystemSOC] = soc
		} else {
			logger.Warn().
				Str("serial", serial).
				Float64("value", battery.SystemStateOfCharge.Value).
				Msg("Dropping out-of-range system state of charge")
		}

		records = append(records, domain.DeviceRecord{
			Type:       domain.DeviceTypeBattery,
			Serial:     serial,
			State:      domain.StateWorking,
			Model:      "ESS Battery",
			Descr:      fmt.Sprintf("Battery %s", serial),
			SWVersion:  "ESS",
			HWVersion:  "ESS",
			Fields:     fields,
			MeasuredAt: measuredAt,
		})
	}

	for i, enclosure := range report.ESSStatus {
		serial := enclosure.SerialNumber
		if serial == "" {
			serial = fmt.Sprintf("ess_enclosure_%d", i)
		}

		records = append(records, domain.DeviceRecord{
			Type:      domain.DeviceTypeESS,
			Serial:    serial,
			State:     domain.StateWorking,
			Model:     "ESS Device",
			Descr:     fmt.Sprintf("Energy Storage %s", serial),
			SWVersion: "ESS",
			HWVersion: "ESS",
			Fields: map[string]interface{}{
				domain.FieldESSPower:       enclosure.MeterReading.AggPower.Value,
				domain.FieldESSTemperature: enclosure.EnclosureTemperature.Value,
				domain.FieldESSHumidity:    enclosure.EnclosureHumidity.Value,
			},
			MeasuredAt: measuredAt,
		})
	}

	if hub := report.HubPlusStatus; hub != nil {
		serial := hub.SerialNumber
		if serial == "" {
			serial = "hub_plus"
		}

		records = append(records, domain.DeviceRecord{
			Type:      domain.DeviceTypeHubPlus,
			Serial:    serial,
			State:     domain.StateWorking,
			Model:     "Hub Plus",
			Descr:     fmt.Sprintf("Hub Plus %s", serial),
			SWVersion: "ESS",
			HWVersion: "ESS",
			Fields: map[string]interface{}{
				"contactor_position":   hub.ContactorPosition,
				"grid_frequency_state": hub.GridFrequencyState,
				"grid_voltage_state":   hub.GridVoltageState,
				"load_frequency_state": hub.LoadFrequencyState,
				"load_voltage_state":   hub.LoadVoltageState,
				"grid_phase1_voltage":  hub.GridPhase1Voltage.Value,
				"grid_phase2_voltage":  hub.GridPhase2Voltage.Value,
				"load_phase1_voltage":  hub.LoadPhase1Voltage.Value,
				"load_phase2_voltage":  hub.LoadPhase2Voltage.Value,
				"main_voltage":         hub.MainVoltage.Value,
				"hub_humidity":         hub.HubHumidity.Value,
				"hub_temperature":      hub.HubTemperature.Value,
			},
			MeasuredAt: measuredAt,
		})
	}

	return records
}
