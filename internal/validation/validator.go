// Package validation provides plausibility checks for device records beyond
// the structural validation the domain layer enforces. Findings never reject
// a record; they surface gateway-side corruption that would otherwise flow
// silently into consumers.
package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunwatch/go-pvs/internal/domain"
)

// Level defines the strictness of validation rules.
type Level int

const (
	LevelBasic Level = iota
	LevelStandard
	LevelStrict
)

// String returns the string representation of the validation level.
func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelStandard:
		return "standard"
	case LevelStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// Finding represents one plausibility issue on a record.
type Finding struct {
	Rule     string
	Severity string
	Message  string
	Field    string
	Value    interface{}
}

// Error implements the error interface.
func (f *Finding) Error() string {
	return fmt.Sprintf("%s validation finding in %s: %s", f.Severity, f.Field, f.Message)
}

// Result contains the findings for one record.
type Result struct {
	Valid      bool
	Errors     []*Finding
	Warnings   []*Finding
	Confidence float64 // 0.0-1.0 confidence in data integrity
}

// HasWarnings returns true if there are any validation warnings.
func (r *Result) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// Summary returns a short description of the result.
func (r *Result) Summary() string {
	if r.Valid && !r.HasWarnings() {
		return fmt.Sprintf("valid (confidence: %.2f)", r.Confidence)
	}

	var parts []string
	if !r.Valid {
		parts = append(parts, fmt.Sprintf("%d errors", len(r.Errors)))
	}
	if r.HasWarnings() {
		parts = append(parts, fmt.Sprintf("%d warnings", len(r.Warnings)))
	}
	return fmt.Sprintf("%s (confidence: %.2f)", strings.Join(parts, ", "), r.Confidence)
}

// Rule defines one plausibility check against a record.
type Rule struct {
	Name        string
	Description string
	Level       Level
	Check       func(rec *domain.DeviceRecord) *Finding
}

// Validator runs plausibility rules over device records.
type Validator struct {
	level  Level
	rules  []*Rule
	logger zerolog.Logger
	now    func() time.Time

	// Statistics
	recordsChecked int64
	errorsFound    int64
	warningsFound  int64
}

// New creates a validator with the default rule set.
func New(level Level, logger zerolog.Logger) *Validator {
	v := &Validator{
		level:  level,
		logger: logger.With().Str("component", "validator").Logger(),
		now:    time.Now,
	}
	v.registerDefaultRules()
	return v
}

// ValidateRecord runs all applicable rules over one record.
func (v *Validator) ValidateRecord(rec *domain.DeviceRecord) *Result {
	v.recordsChecked++

	result := &Result{
		Valid:      true,
		Confidence: 1.0,
	}

	for _, rule := range v.rules {
		if rule.Level > v.level {
			continue
		}
		if finding := rule.Check(rec); finding != nil {
			v.addFinding(result, finding)
		}
	}

	return result
}

// addFinding records a finding on the result and updates statistics.
func (v *Validator) addFinding(result *Result, finding *Finding) {
	if finding.Severity == "warning" {
		result.Warnings = append(result.Warnings, finding)
		v.warningsFound++
		result.Confidence *= 0.95
		return
	}

	result.Errors = append(result.Errors, finding)
	v.errorsFound++
	result.Valid = false
	result.Confidence *= 0.5
}

// AddRule adds a custom plausibility rule.
func (v *Validator) AddRule(rule *Rule) {
	v.rules = append(v.rules, rule)
	v.logger.Debug().Str("rule", rule.Name).Msg("Added custom validation rule")
}

// Statistics returns counters for the diagnostics surface.
func (v *Validator) Statistics() map[string]interface{} {
	return map[string]interface{}{
		"records_checked": v.recordsChecked,
		"errors_found":    v.errorsFound,
		"warnings_found":  v.warningsFound,
		"level":           v.level.String(),
		"rules":           len(v.rules),
	}
}

// registerDefaultRules installs the built-in rule set.
func (v *Validator) registerDefaultRules() {
	v.rules = []*Rule{
		{
			Name:        "serial_charset",
			Description: "Serials carry only the characters the gateway emits",
			Level:       LevelBasic,
			Check: func(rec *domain.DeviceRecord) *Finding {
				for _, r := range rec.Serial {
					valid := (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') ||
						(r >= 'a' && r <= 'z') || r == '_' || r == '-' || r == ':'
					if !valid {
						return &Finding{
							Rule:     "serial_charset",
							Severity: "warning",
							Message:  "serial contains unexpected characters",
							Field:    "serial",
							Value:    rec.Serial,
						}
					}
				}
				return nil
			},
		},
		{
			Name:        "measurement_age",
			Description: "Measurement timestamps are neither future nor ancient",
			Level:       LevelStandard,
			Check: func(rec *domain.DeviceRecord) *Finding {
				if rec.MeasuredAt.IsZero() {
					return nil
				}
				now := v.now()
				if rec.MeasuredAt.After(now.Add(24 * time.Hour)) {
					return &Finding{
						Rule:     "measurement_age",
						Severity: "error",
						Message:  "measurement timestamp is in the future",
						Field:    "measured_at",
						Value:    rec.MeasuredAt,
					}
				}
				if rec.MeasuredAt.Before(now.Add(-365 * 24 * time.Hour)) {
					return &Finding{
						Rule:     "measurement_age",
						Severity: "warning",
						Message:  "measurement timestamp is more than a year old",
						Field:    "measured_at",
						Value:    rec.MeasuredAt,
					}
				}
				return nil
			},
		},
		{
			Name:        "power_range",
			Description: "Power readings stay within residential bounds",
			Level:       LevelStandard,
			Check: func(rec *domain.DeviceRecord) *Finding {
				power, ok := rec.Float(domain.FieldPower)
				if !ok {
					return nil
				}
				// Meters legitimately report negative power on export
				if power < 0 && rec.Type == domain.DeviceTypeInverter {
					return &Finding{
						Rule:     "power_range",
						Severity: "warning",
						Message:  "negative inverter power",
						Field:    domain.FieldPower,
						Value:    power,
					}
				}
				if power > 100 || power < -100 {
					return &Finding{
						Rule:     "power_range",
						Severity: "warning",
						Message:  "power reading outside plausible range",
						Field:    domain.FieldPower,
						Value:    power,
					}
				}
				return nil
			},
		},
		{
			Name:        "frequency_range",
			Description: "Grid frequency stays near nominal",
			Level:       LevelStrict,
			Check: func(rec *domain.DeviceRecord) *Finding {
				freq, ok := rec.Float(domain.FieldFrequency)
				if !ok || freq == 0 {
					return nil
				}
				if freq < 45 || freq > 65 {
					return &Finding{
						Rule:     "frequency_range",
						Severity: "warning",
						Message:  "grid frequency outside plausible range",
						Field:    domain.FieldFrequency,
						Value:    freq,
					}
				}
				return nil
			},
		},
		{
			Name:        "soc_range",
			Description: "State of charge is a percentage",
			Level:       LevelStandard,
			Check: func(rec *domain.DeviceRecord) *Finding {
				soc, ok := rec.Float(domain.FieldCustomerSOC)
				if !ok {
					return nil
				}
				if soc < 0 || soc > 100 {
					return &Finding{
						Rule:     "soc_range",
						Severity: "error",
						Message:  "state of charge outside 0-100",
						Field:    domain.FieldCustomerSOC,
						Value:    soc,
					}
				}
				return nil
			},
		},
	}
}
