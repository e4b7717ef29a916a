package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		record  DeviceRecord
		wantErr string
	}{
		{
			name:   "valid record",
			record: DeviceRecord{Type: DeviceTypeInverter, Serial: "E00121912345678", State: StateWorking},
		},
		{
			name:    "empty serial",
			record:  DeviceRecord{Type: DeviceTypeInverter},
			wantErr: "empty serial",
		},
		{
			name:    "empty device type",
			record:  DeviceRecord{Serial: "E00121912345678"},
			wantErr: "empty device type",
		},
		{
			name:   "serial at limit",
			record: DeviceRecord{Type: DeviceTypeBattery, Serial: strings.Repeat("A", MaxSerialLength)},
		},
		{
			name:    "serial over limit",
			record:  DeviceRecord{Type: DeviceTypeBattery, Serial: strings.Repeat("A", MaxSerialLength+1)},
			wantErr: "exceeds",
		},
		{
			// Corrupt serials are arbitrary bytes; the error must not slice
			// into the middle of a rune.
			name:    "multibyte serial over limit",
			record:  DeviceRecord{Type: DeviceTypeBattery, Serial: strings.Repeat("é", MaxSerialLength)},
			wantErr: "exceeds 150",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDeviceRecordFloat(t *testing.T) {
	rec := DeviceRecord{
		Type:   DeviceTypeInverter,
		Serial: "E001",
		Fields: map[string]interface{}{
			FieldPower:          1.234,
			FieldLifetimeEnergy: float32(512.5),
			"count":             7,
			"descr_text":        "not a number",
		},
	}

	v, ok := rec.Float(FieldPower)
	assert.True(t, ok)
	assert.Equal(t, 1.234, v)

	v, ok = rec.Float(FieldLifetimeEnergy)
	assert.True(t, ok)
	assert.InDelta(t, 512.5, v, 0.001)

	v, ok = rec.Float("count")
	assert.True(t, ok)
	assert.Equal(t, 7.0, v)

	_, ok = rec.Float("descr_text")
	assert.False(t, ok)

	_, ok = rec.Float("missing")
	assert.False(t, ok)
}

func TestDeviceRecordClone(t *testing.T) {
	rec := DeviceRecord{
		Type:   DeviceTypeMeter,
		Serial: "PVS6M123p",
		State:  StateWorking,
		Fields: map[string]interface{}{FieldPower: 2.5},
	}

	clone := rec.Clone()
	clone.Fields[FieldPower] = 0.0
	clone.State = StateError

	// Original must be untouched
	assert.Equal(t, 2.5, rec.Fields[FieldPower])
	assert.Equal(t, StateWorking, rec.State)
}

func TestSnapshotClone(t *testing.T) {
	snap := &Snapshot{
		Devices: []DeviceRecord{
			{Type: DeviceTypeInverter, Serial: "E001", Fields: map[string]interface{}{FieldPower: 1.0}},
			{Type: DeviceTypeGateway, Serial: "ZT001"},
		},
		FetchedAt: time.Now(),
		Source:    SourceFresh,
		Protocol:  ProtocolLegacy,
	}

	clone := snap.Clone()
	clone.Devices[0].Fields[FieldPower] = 99.0
	clone.Devices[1].Serial = "mutated"

	assert.Equal(t, 1.0, snap.Devices[0].Fields[FieldPower])
	assert.Equal(t, "ZT001", snap.Devices[1].Serial)
	assert.Equal(t, snap.FetchedAt, clone.FetchedAt)
	assert.Equal(t, SourceFresh, clone.Source)
}

func TestSnapshotDeviceLookup(t *testing.T) {
	snap := &Snapshot{
		Devices: []DeviceRecord{
			{Type: DeviceTypeInverter, Serial: "E001"},
			{Type: DeviceTypeInverter, Serial: "E002"},
			{Type: DeviceTypeMeter, Serial: "M001"},
		},
	}

	dev, ok := snap.Device("E002")
	require.True(t, ok)
	assert.Equal(t, DeviceTypeInverter, dev.Type)

	_, ok = snap.Device("nope")
	assert.False(t, ok)

	inverters := snap.ByType(DeviceTypeInverter)
	assert.Len(t, inverters, 2)

	meters := snap.ByType(DeviceTypeMeter)
	assert.Len(t, meters, 1)
}

func TestSnapshotHasStorage(t *testing.T) {
	noStorage := &Snapshot{Devices: []DeviceRecord{
		{Type: DeviceTypeGateway, Serial: "ZT001"},
		{Type: DeviceTypeInverter, Serial: "E001"},
	}}
	assert.False(t, noStorage.HasStorage())

	withBattery := &Snapshot{Devices: []DeviceRecord{
		{Type: DeviceTypeGateway, Serial: "ZT001"},
		{Type: DeviceTypeBattery, Serial: "B001"},
	}}
	assert.True(t, withBattery.HasStorage())

	withHub := &Snapshot{Devices: []DeviceRecord{
		{Type: DeviceTypeHubPlus, Serial: "H001"},
	}}
	assert.True(t, withHub.HasStorage())

	withTransferSwitch := &Snapshot{Devices: []DeviceRecord{
		{Type: DeviceTypeTransferSwitch, Serial: "TS001"},
	}}
	assert.True(t, withTransferSwitch.HasStorage())
}

func TestIsConsumptionMeter(t *testing.T) {
	consumption := DeviceRecord{Type: DeviceTypeMeter, Subtype: "PVS5-METER-C", Serial: "M001c"}
	assert.True(t, consumption.IsConsumptionMeter())

	production := DeviceRecord{Type: DeviceTypeMeter, Subtype: "PVS5-METER-P", Serial: "M001p"}
	assert.False(t, production.IsConsumptionMeter())

	noSubtype := DeviceRecord{Type: DeviceTypeMeter, Serial: "M002"}
	assert.False(t, noSubtype.IsConsumptionMeter())

	notAMeter := DeviceRecord{Type: DeviceTypeInverter, Subtype: "PVS5-METER-C", Serial: "E001"}
	assert.False(t, notAMeter.IsConsumptionMeter())
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "legacy", ProtocolLegacy.String())
	assert.Equal(t, "localapi", ProtocolLocalAPI.String())
	assert.Equal(t, "unknown", Protocol(99).String())

	assert.Equal(t, "fresh", SourceFresh.String())
	assert.Equal(t, "cached", SourceCached.String())
	assert.Equal(t, "sanitized_cache", SourceSanitizedCache.String())

	assert.Equal(t, "fresh", PollFresh.String())
	assert.Equal(t, "degraded", PollDegraded.String())
	assert.Equal(t, "unavailable", PollUnavailable.String())
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(EventNewDevices, []string{"E001", "E002"}, "2 new devices")

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, EventNewDevices, ev.Type)
	assert.Equal(t, []string{"E001", "E002"}, ev.Serials)
	assert.Equal(t, "2 new devices", ev.Detail)
	assert.WithinDuration(t, time.Now(), ev.Time, time.Second)

	// IDs must be unique
	ev2 := NewEvent(EventFailureRecovered, nil, "")
	assert.NotEqual(t, ev.ID, ev2.ID)
}
