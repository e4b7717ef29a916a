// Package normalize converts raw gateway payloads into the canonical
// device-record shape historically emitted by the legacy protocol. Downstream
// consumers are keyed on the legacy field names, so every protocol path funnels
// through here before a record reaches a snapshot.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sunwatch/go-pvs/internal/domain"
)

// datatimeLayout is the gateway's device-report timestamp format, always UTC.
const datatimeLayout = "2006,01,02,15,04,05"

// metadataKeys are lifted out of the flat legacy payload into record fields
// rather than the measurement map.
var metadataKeys = map[string]bool{
	"DEVICE_TYPE": true,
	"SERIAL":      true,
	"STATE":       true,
	"STATEDESCR":  true,
	"MODEL":       true,
	"DESCR":       true,
	"SWVER":       true,
	"HWVER":       true,
	"DATATIME":    true,
	"TYPE":        true,
	"interface":   true,
	"origin":      true,
	"CURTIME":     true,
}

var logger = log.With().Str("component", "normalize").Logger()

// Round2 rounds to 2 decimal places. Lifetime-energy counters pass through
// this so sub-precision float jitter cannot make a monotonic counter appear
// to decrease between polls.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ScaleSOC normalizes a state-of-charge reading to the 0-100 range. The
// upstream format is ambiguous between 0-1 fractions and 0-100 percentages
// depending on firmware, so the actual numeric range decides: fractions are
// scaled up, percentages pass through, anything above 100 is rejected rather
// than guessed at.
func ScaleSOC(v float64) (float64, bool) {
	if v < 0 || v > 100 {
		return 0, false
	}
	if v <= 1.0 {
		return v * 100, true
	}
	return v, true
}

// LegacyDevices converts the flat string-keyed payloads of a DeviceList
// response. Records without a usable serial are skipped with a warning; the
// rest of the batch still converts.
func LegacyDevices(raw []map[string]interface{}) []domain.DeviceRecord {
	records := make([]domain.DeviceRecord, 0, len(raw))
	for i, payload := range raw {
		rec, err := legacyDevice(payload)
		if err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("Skipping malformed device payload")
			continue
		}
		records = append(records, rec)
	}
	return records
}

func legacyDevice(payload map[string]interface{}) (domain.DeviceRecord, error) {
	serial := strings.TrimSpace(stringField(payload, "SERIAL"))
	if serial == "" {
		return domain.DeviceRecord{}, fmt.Errorf("payload has no serial")
	}

	rec := domain.DeviceRecord{
		Type:      stringField(payload, "DEVICE_TYPE"),
		Subtype:   stringField(payload, "TYPE"),
		Serial:    serial,
		State:     strings.ToLower(stringField(payload, "STATE")),
		Model:     stringField(payload, "MODEL"),
		Descr:     stringField(payload, "DESCR"),
		SWVersion: stringField(payload, "SWVER"),
		HWVersion: stringField(payload, "HWVER"),
		Fields:    make(map[string]interface{}),
	}
	if rec.State == "" {
		rec.State = domain.StateUnknown
	}

	// The DATATIME field is the device's own measurement time. Fall back to
	// wall clock only when the device omits it.
	rec.MeasuredAt = time.Now().UTC()
	if dt := stringField(payload, "DATATIME"); dt != "" {
		if ts, err := time.Parse(datatimeLayout, dt); err == nil {
			rec.MeasuredAt = ts.UTC()
		} else {
			logger.Debug().Str("serial", serial).Str("datatime", dt).Msg("Unparseable DATATIME, using wall clock")
		}
	}

	for key, value := range payload {
		if metadataKeys[key] {
			continue
		}
		rec.Fields[key] = coerceValue(key, value)
	}

	return rec, nil
}

// coerceValue turns the legacy protocol's string-encoded numbers into
// float64, leaving genuine strings alone. Lifetime counters are rounded at
// this boundary for both protocols.
func coerceValue(key string, value interface{}) interface{} {
	var num float64
	switch v := value.(type) {
	case float64:
		num = v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return v
		}
		num = f
	default:
		return value
	}

	if strings.HasSuffix(key, "ltea_3phsum_kwh") {
		num = Round2(num)
	}
	return num
}

func stringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
