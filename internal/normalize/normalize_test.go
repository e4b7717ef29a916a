package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunwatch/go-pvs/internal/domain"
)

func TestScaleSOC(t *testing.T) {
	tests := []struct {
		name     string
		input    float64
		expected float64
		ok       bool
	}{
		{"fraction scales up", 0.876, 87.6, true},
		{"percentage passes through", 87.6, 87.6, true},
		{"exact one scales", 1.0, 100.0, true},
		{"just above one passes through", 1.5, 1.5, true},
		{"full charge", 100.0, 100.0, true},
		{"zero", 0.0, 0.0, true},
		{"over range rejected", 187.6, 0, false},
		{"negative rejected", -0.5, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ScaleSOC(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.expected, got, 0.0001)
			}
		})
	}
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 512.53, Round2(512.52999999997))
	assert.Equal(t, 512.53, Round2(512.53000000001))
	assert.Equal(t, 0.0, Round2(0.001))
}

func TestLegacyDevices(t *testing.T) {
	raw := []map[string]interface{}{
		{
			"DEVICE_TYPE":     "Inverter",
			"SERIAL":          "E00121912345678",
			"STATE":           "working",
			"MODEL":           "AC_Module_Type_E",
			"DESCR":           "Inverter E00121912345678",
			"SWVER":           "4.14.5",
			"HWVER":           "4.0E",
			"DATATIME":        "2026,08,23,14,30,00",
			"p_3phsum_kw":     "0.5312",
			"freq_hz":         "60.0",
			"ltea_3phsum_kwh": "512.52999999997",
			"t_htsnk_degc":    "41",
			"CURTIME":         "2026,08,23,14,30,05",
		},
		{
			// No serial: skipped, batch continues
			"DEVICE_TYPE": "Inverter",
			"STATE":       "working",
		},
		{
			"DEVICE_TYPE": "PVS",
			"SERIAL":      "ZT01234",
			"STATE":       "Working",
			"dl_uptime":   "301255",
			"dl_err_count": "0",
		},
		{
			"DEVICE_TYPE":         "Power Meter",
			"TYPE":                "PVS5-METER-C",
			"SERIAL":              "PVS6M123c",
			"STATE":               "working",
			"p_3phsum_kw":         "1.4",
			"net_ltea_3phsum_kwh": "1204.1",
		},
	}

	records := LegacyDevices(raw)
	require.Len(t, records, 3)

	inv := records[0]
	assert.Equal(t, domain.DeviceTypeInverter, inv.Type)
	assert.Equal(t, "E00121912345678", inv.Serial)
	assert.Equal(t, domain.StateWorking, inv.State)
	assert.Equal(t, "AC_Module_Type_E", inv.Model)
	assert.Equal(t, "4.14.5", inv.SWVersion)
	assert.Equal(t, "4.0E", inv.HWVersion)

	// DATATIME becomes the measurement time, in UTC
	assert.Equal(t, time.Date(2026, 8, 23, 14, 30, 0, 0, time.UTC), inv.MeasuredAt)

	// String-encoded numbers coerce to float64
	power, ok := inv.Float(domain.FieldPower)
	assert.True(t, ok)
	assert.Equal(t, 0.5312, power)

	// Lifetime energy is rounded at the boundary
	ltea, ok := inv.Float(domain.FieldLifetimeEnergy)
	assert.True(t, ok)
	assert.Equal(t, 512.53, ltea)

	// Metadata keys do not leak into the measurement map
	_, ok = inv.Fields["SERIAL"]
	assert.False(t, ok)
	_, ok = inv.Fields["CURTIME"]
	assert.False(t, ok)

	// State normalizes to lowercase
	pvs := records[1]
	assert.Equal(t, domain.StateWorking, pvs.State)
	uptime, ok := pvs.Float(domain.FieldGatewayUptime)
	assert.True(t, ok)
	assert.Equal(t, 301255.0, uptime)

	// The meter TYPE lifts into the subtype, not the measurement map
	meter := records[2]
	assert.Equal(t, "PVS5-METER-C", meter.Subtype)
	assert.True(t, meter.IsConsumptionMeter())
	_, ok = meter.Fields["TYPE"]
	assert.False(t, ok)
}

func TestLegacyDeviceMissingDatatime(t *testing.T) {
	records := LegacyDevices([]map[string]interface{}{
		{
			"DEVICE_TYPE": "Power Meter",
			"SERIAL":      "PVS6M123p",
			"STATE":       "working",
		},
	})
	require.Len(t, records, 1)
	assert.WithinDuration(t, time.Now().UTC(), records[0].MeasuredAt, 2*time.Second)
}

func TestLegacyDeviceNonNumericStringsPreserved(t *testing.T) {
	records := LegacyDevices([]map[string]interface{}{
		{
			"DEVICE_TYPE":  "PVS",
			"SERIAL":       "ZT01234",
			"STATE":        "working",
			"panid":        "1234567",
			"station_addr": "not-a-number",
		},
	})
	require.Len(t, records, 1)

	assert.Equal(t, 1234567.0, records[0].Fields["panid"])
	assert.Equal(t, "not-a-number", records[0].Fields["station_addr"])
}

func TestESSDevices(t *testing.T) {
	now := time.Now().UTC()
	report := ESSReport{
		BatteryStatus: []BatteryStatus{
			{
				SerialNumber:          "BC1234567890AB",
				BatteryAmperage:       ESSValue{Value: -5.2},
				BatteryVoltage:        ESSValue{Value: 52.1},
				CustomerStateOfCharge: ESSValue{Value: 0.876},
				SystemStateOfCharge:   ESSValue{Value: 84.0},
				Temperature:           ESSValue{Value: 28.5},
			},
		},
		ESSStatus: []ESSStatus{
			{
				SerialNumber:         "ESS001",
				EnclosureHumidity:    ESSValue{Value: 35.0},
				EnclosureTemperature: ESSValue{Value: 30.2},
				MeterReading:         ESSMeterReading{AggPower: ESSValue{Value: -0.27}},
			},
		},
		HubPlusStatus: &HubPlusStatus{
			SerialNumber:      "HUB001",
			ContactorPosition: "CLOSED",
			GridPhase1Voltage: ESSValue{Value: 121.3},
			GridPhase2Voltage: ESSValue{Value: 121.1},
			MainVoltage:       ESSValue{Value: 242.4},
		},
	}

	records := ESSDevices(report, now)
	require.Len(t, records, 3)

	battery := records[0]
	assert.Equal(t, domain.DeviceTypeBattery, battery.Type)
	assert.Equal(t, "BC1234567890AB", battery.Serial)
	assert.Equal(t, domain.StateWorking, battery.State)
	assert.Equal(t, "ESS", battery.SWVersion)
	assert.Equal(t, "ESS", battery.HWVersion)
	assert.Equal(t, now, battery.MeasuredAt)

	// Fraction SOC scaled, percentage SOC untouched
	soc, ok := battery.Float(domain.FieldCustomerSOC)
	assert.True(t, ok)
	assert.InDelta(t, 87.6, soc, 0.0001)
	soc, ok = battery.Float(domain.FieldSystemSOC)
	assert.True(t, ok)
	assert.Equal(t, 84.0, soc)

	enclosure := records[1]
	assert.Equal(t, domain.DeviceTypeESS, enclosure.Type)
	power, ok := enclosure.Float(domain.FieldESSPower)
	assert.True(t, ok)
	assert.Equal(t, -0.27, power)

	hub := records[2]
	assert.Equal(t, domain.DeviceTypeHubPlus, hub.Type)
	assert.Equal(t, "CLOSED", hub.Fields["contactor_position"])
	main, ok := hub.Float("main_voltage")
	assert.True(t, ok)
	assert.Equal(t, 242.4, main)
}

func TestESSDevicesDropsInvalidSOC(t *testing.T) {
	records := ESSDevices(ESSReport{
		BatteryStatus: []BatteryStatus{
			{
				SerialNumber:          "BC01",
				CustomerStateOfCharge: ESSValue{Value: 187.6},
				SystemStateOfCharge:   ESSValue{Value: 0.5},
			},
		},
	}, time.Now())
	require.Len(t, records, 1)

	_, ok := records[0].Float(domain.FieldCustomerSOC)
	assert.False(t, ok)

	soc, ok := records[0].Float(domain.FieldSystemSOC)
	assert.True(t, ok)
	assert.Equal(t, 50.0, soc)
}

func TestVirtualProductionMeter(t *testing.T) {
	now := time.Now().UTC()
	inverters := []domain.DeviceRecord{
		{
			Type: domain.DeviceTypeInverter, Serial: "E001", State: domain.StateWorking,
			Fields: map[string]interface{}{
				domain.FieldLifetimeEnergy: 100.005,
				domain.FieldMPPTPower:      0.3,
				domain.FieldCurrent:        1.2,
				domain.FieldFrequency:      60.0,
				domain.FieldVoltage:        240.0,
			},
		},
		{
			Type: domain.DeviceTypeInverter, Serial: "E002", State: domain.StateWorking,
			Fields: map[string]interface{}{
				domain.FieldLifetimeEnergy: 200.003,
				domain.FieldMPPTPower:      0.4,
				domain.FieldCurrent:        1.3,
				domain.FieldFrequency:      60.2,
				domain.FieldVoltage:        241.0,
			},
		},
	}

	meter, ok := VirtualProductionMeter("ZT01234", inverters, now)
	require.True(t, ok)

	assert.Equal(t, domain.DeviceTypeMeter, meter.Type)
	assert.Equal(t, "PVS-METER-P", meter.Subtype)
	assert.False(t, meter.IsConsumptionMeter())
	assert.Equal(t, "ZT01234pv", meter.Serial)
	assert.Equal(t, domain.StateWorking, meter.State)
	assert.Equal(t, now, meter.MeasuredAt)

	// Lifetime sums are rounded to 2 decimals
	net, found := meter.Float(domain.FieldMeterNetLifetime)
	assert.True(t, found)
	assert.Equal(t, 300.01, net)
	toGrid, found := meter.Float(domain.FieldMeterToGrid)
	assert.True(t, found)
	assert.Equal(t, 300.01, toGrid)

	power, found := meter.Float(domain.FieldPower)
	assert.True(t, found)
	assert.InDelta(t, 0.7, power, 0.0001)

	freq, found := meter.Float(domain.FieldFrequency)
	assert.True(t, found)
	assert.InDelta(t, 60.1, freq, 0.0001)
}

func TestVirtualProductionMeterPropagatesErrorState(t *testing.T) {
	inverters := []domain.DeviceRecord{
		{Type: domain.DeviceTypeInverter, Serial: "E001", State: domain.StateWorking},
		{Type: domain.DeviceTypeInverter, Serial: "E002", State: domain.StateError},
	}

	meter, ok := VirtualProductionMeter("ZT01234", inverters, time.Now())
	require.True(t, ok)
	assert.Equal(t, domain.StateError, meter.State)

	// Missing readings average to nominal defaults
	freq, found := meter.Float(domain.FieldFrequency)
	assert.True(t, found)
	assert.Equal(t, 60.0, freq)
	volts, found := meter.Float(domain.FieldMeterSupplyVolts)
	assert.True(t, found)
	assert.Equal(t, 240.0, volts)
}

func TestVirtualProductionMeterNoInverters(t *testing.T) {
	_, ok := VirtualProductionMeter("ZT01234", nil, time.Now())
	assert.False(t, ok)

	_, ok = VirtualProductionMeter("", []domain.DeviceRecord{{Serial: "E001"}}, time.Now())
	assert.False(t, ok)
}
