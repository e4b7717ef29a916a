package validation

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunwatch/go-pvs/internal/domain"
)

func newTestValidator(level Level) *Validator {
	v := New(level, zerolog.Nop())
	v.now = func() time.Time {
		return time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	}
	return v
}

func goodInverter() domain.DeviceRecord {
	return domain.DeviceRecord{
		Type:   domain.DeviceTypeInverter,
		Serial: "E00121939000001",
		State:  domain.StateWorking,
		Fields: map[string]interface{}{
			domain.FieldPower:     1.2,
			domain.FieldFrequency: 60.0,
		},
		MeasuredAt: time.Date(2026, 8, 23, 11, 59, 0, 0, time.UTC),
	}
}

func TestValidateCleanRecord(t *testing.T) {
	v := newTestValidator(LevelStrict)
	rec := goodInverter()

	result := v.ValidateRecord(&rec)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, "valid (confidence: 1.00)", result.Summary())
}

func TestSerialCharset(t *testing.T) {
	v := newTestValidator(LevelBasic)
	rec := goodInverter()
	rec.Serial = "E001\x00\x01"

	result := v.ValidateRecord(&rec)
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "serial_charset", result.Warnings[0].Rule)
}

func TestFutureTimestampIsError(t *testing.T) {
	v := newTestValidator(LevelStandard)
	rec := goodInverter()
	rec.MeasuredAt = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	result := v.ValidateRecord(&rec)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "measurement_age", result.Errors[0].Rule)
	assert.Less(t, result.Confidence, 1.0)
}

func TestAncientTimestampIsWarning(t *testing.T) {
	v := newTestValidator(LevelStandard)
	rec := goodInverter()
	rec.MeasuredAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	result := v.ValidateRecord(&rec)
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
}

func TestNegativeInverterPower(t *testing.T) {
	v := newTestValidator(LevelStandard)
	rec := goodInverter()
	rec.Fields[domain.FieldPower] = -0.4

	result := v.ValidateRecord(&rec)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "power_range", result.Warnings[0].Rule)
}

func TestNegativeMeterPowerIsFine(t *testing.T) {
	v := newTestValidator(LevelStandard)
	rec := domain.DeviceRecord{
		Type:   domain.DeviceTypeMeter,
		Serial: "ZT001c",
		State:  domain.StateWorking,
		Fields: map[string]interface{}{domain.FieldPower: -2.1},
	}

	result := v.ValidateRecord(&rec)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Warnings)
}

func TestFrequencyRuleOnlyAtStrict(t *testing.T) {
	rec := goodInverter()
	rec.Fields[domain.FieldFrequency] = 12.0

	standard := newTestValidator(LevelStandard)
	assert.Empty(t, standard.ValidateRecord(&rec).Warnings)

	strict := newTestValidator(LevelStrict)
	require.Len(t, strict.ValidateRecord(&rec).Warnings, 1)
}

func TestSOCOutOfRangeIsError(t *testing.T) {
	v := newTestValidator(LevelStandard)
	rec := domain.DeviceRecord{
		Type:   domain.DeviceTypeBattery,
		Serial: "BC100",
		State:  domain.StateWorking,
		Fields: map[string]interface{}{domain.FieldCustomerSOC: 187.6},
	}

	result := v.ValidateRecord(&rec)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Summary(), "1 errors")
}

func TestStatistics(t *testing.T) {
	v := newTestValidator(LevelStandard)
	rec := goodInverter()
	v.ValidateRecord(&rec)

	bad := goodInverter()
	bad.MeasuredAt = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	v.ValidateRecord(&bad)

	stats := v.Statistics()
	assert.Equal(t, int64(2), stats["records_checked"])
	assert.Equal(t, int64(1), stats["errors_found"])
	assert.Equal(t, "standard", stats["level"])
}

func TestAddRule(t *testing.T) {
	v := newTestValidator(LevelBasic)
	v.AddRule(&Rule{
		Name:  "always_warn",
		Level: LevelBasic,
		Check: func(_ *domain.DeviceRecord) *Finding {
			return &Finding{Rule: "always_warn", Severity: "warning", Message: "test"}
		},
	})

	rec := goodInverter()
	result := v.ValidateRecord(&rec)
	require.Len(t, result.Warnings, 1)
}
