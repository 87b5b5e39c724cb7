// Package validation provides plausibility checks for decoded inverter telemetry.
package validation

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/resident-x/go-xpertking/internal/domain"
)

// ValidationLevel defines the strictness of validation rules.
type ValidationLevel int

const (
	ValidationLevelOff ValidationLevel = iota
	ValidationLevelBasic
	ValidationLevelStandard
	ValidationLevelStrict
)

// String returns the string representation of the validation level.
func (vl ValidationLevel) String() string {
	switch vl {
	case ValidationLevelOff:
		return "off"
	case ValidationLevelBasic:
		return "basic"
	case ValidationLevelStandard:
		return "standard"
	case ValidationLevelStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// ParseLevel converts a configured level name. Unknown names are an error.
func ParseLevel(name string) (ValidationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "off", "none":
		return ValidationLevelOff, nil
	case "basic":
		return ValidationLevelBasic, nil
	case "", "standard":
		return ValidationLevelStandard, nil
	case "strict":
		return ValidationLevelStrict, nil
	default:
		return ValidationLevelOff, fmt.Errorf("unknown validation level %q", name)
	}
}

// Severity values.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// ValidationError describes one implausible value.
type ValidationError struct {
	Rule     string
	Severity string
	Message  string
	Param    string
	Command  string
	Value    interface{}
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s validation error in %s: %s", ve.Severity, ve.Param, ve.Message)
}

// ValidationResult contains the result of validating one snapshot.
type ValidationResult struct {
	Valid    bool
	Errors   []*ValidationError
	Warnings []*ValidationError
	// Confidence is 1.0 for a clean snapshot and shrinks with every finding.
	Confidence float64
}

func newResult() *ValidationResult {
	return &ValidationResult{Valid: true, Confidence: 1.0}
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Summary returns a summary of the validation result.
func (vr *ValidationResult) Summary() string {
	if vr.Valid && !vr.HasWarnings() {
		return fmt.Sprintf("Valid (confidence: %.2f)", vr.Confidence)
	}

	var parts []string
	if !vr.Valid {
		parts = append(parts, fmt.Sprintf("%d errors", len(vr.Errors)))
	}
	if vr.HasWarnings() {
		parts = append(parts, fmt.Sprintf("%d warnings", len(vr.Warnings)))
	}

	return fmt.Sprintf("%s (confidence: %.2f)", strings.Join(parts, ", "), vr.Confidence)
}

// Rule checks items whose parameter it matches.
type Rule struct {
	Name        string
	Description string
	Level       ValidationLevel
	Match       func(param string) bool
	Check       func(item domain.TelemetryItem) *ValidationError
}

// Validator applies the registered rules at or below its level.
type Validator struct {
	level  ValidationLevel
	logger zerolog.Logger

	mu    sync.RWMutex
	rules []*Rule

	validationsPerformed int64
	errorsFound          int64
	warningsFound        int64
}

// NewValidator creates a validator with the default telemetry rules.
func NewValidator(level ValidationLevel, logger zerolog.Logger) *Validator {
	v := &Validator{
		level:  level,
		logger: logger.With().Str("component", "validator").Logger(),
	}
	v.rules = defaultRules()
	return v
}

// Level returns the active level.
func (v *Validator) Level() ValidationLevel {
	return v.level
}

// ValidateSnapshot checks every item of a snapshot.
func (v *Validator) ValidateSnapshot(snapshot *domain.Snapshot) *ValidationResult {
	if snapshot == nil {
		return newResult()
	}
	return v.ValidateItems(snapshot.Items)
}

// ValidateItems checks decoded items against the active rules.
func (v *Validator) ValidateItems(items []domain.TelemetryItem) *ValidationResult {
	result := newResult()
	if v.level == ValidationLevelOff {
		return result
	}

	atomic.AddInt64(&v.validationsPerformed, 1)

	v.mu.RLock()
	rules := v.rules
	v.mu.RUnlock()

	for _, item := range items {
		for _, rule := range rules {
			if rule.Level > v.level || !rule.Match(item.Param) {
				continue
			}
			if err := rule.Check(item); err != nil {
				err.Rule = rule.Name
				err.Param = item.Param
				err.Command = item.Command
				err.Value = item.Value
				v.add(result, err)
			}
		}
	}

	v.logger.Debug().
		Int("items", len(items)).
		Int("errors", len(result.Errors)).
		Int("warnings", len(result.Warnings)).
		Float64("confidence", result.Confidence).
		Msg("Telemetry validation completed")

	return result
}

func (v *Validator) add(result *ValidationResult, err *ValidationError) {
	if err.Severity == SeverityWarning {
		result.Warnings = append(result.Warnings, err)
		atomic.AddInt64(&v.warningsFound, 1)
		result.Confidence *= 0.95
		return
	}

	result.Errors = append(result.Errors, err)
	atomic.AddInt64(&v.errorsFound, 1)
	result.Valid = false
	result.Confidence *= 0.5
}

// AddRule adds a custom rule.
func (v *Validator) AddRule(rule *Rule) {
	v.mu.Lock()
	v.rules = append(append([]*Rule(nil), v.rules...), rule)
	v.mu.Unlock()

	v.logger.Debug().Str("rule", rule.Name).Msg("Added custom rule")
}

// GetStatistics returns validation statistics.
func (v *Validator) GetStatistics() map[string]interface{} {
	v.mu.RLock()
	rules := len(v.rules)
	v.mu.RUnlock()

	return map[string]interface{}{
		"validations_performed": atomic.LoadInt64(&v.validationsPerformed),
		"errors_found":          atomic.LoadInt64(&v.errorsFound),
		"warnings_found":        atomic.LoadInt64(&v.warningsFound),
		"validation_level":      v.level.String(),
		"rules":                 rules,
	}
}

func exact(name string) func(string) bool {
	return func(param string) bool { return param == name }
}

func suffix(s string) func(string) bool {
	return func(param string) bool { return strings.HasSuffix(param, s) }
}

// rangeCheck flags numeric values outside [lo, hi]. Non-numeric values pass.
func rangeCheck(lo, hi float64, severity string) func(domain.TelemetryItem) *ValidationError {
	return func(item domain.TelemetryItem) *ValidationError {
		value, ok := domain.FloatValue(item.Value)
		if !ok {
			return nil
		}
		if value < lo || value > hi {
			return &ValidationError{
				Severity: severity,
				Message:  fmt.Sprintf("value %s outside %s..%s", domain.FormatValue(item.Value), domain.FormatValue(lo), domain.FormatValue(hi)),
			}
		}
		return nil
	}
}

func defaultRules() []*Rule {
	return []*Rule{
		{
			Name:        "non_negative_voltage",
			Description: "Voltages are never negative",
			Level:       ValidationLevelBasic,
			Match:       suffix("_voltage"),
			Check:       rangeCheck(0, 1000, SeverityError),
		},
		{
			Name:        "battery_capacity_percent",
			Description: "Battery capacity is a percentage",
			Level:       ValidationLevelBasic,
			Match:       exact("battery_capacity"),
			Check:       rangeCheck(0, 100, SeverityError),
		},
		{
			Name:        "non_negative_energy",
			Description: "Cumulative energy counters are never negative",
			Level:       ValidationLevelBasic,
			Match:       suffix("_energy_total"),
			Check:       rangeCheck(0, 1e9, SeverityError),
		},
		{
			Name:        "frequency_range",
			Description: "AC frequency is zero without a source or near mains frequency",
			Level:       ValidationLevelStandard,
			Match:       suffix("_frequency"),
			Check: func(item domain.TelemetryItem) *ValidationError {
				value, ok := domain.FloatValue(item.Value)
				if !ok || value == 0 {
					return nil
				}
				return rangeCheck(40, 70, SeverityWarning)(item)
			},
		},
		{
			Name:        "heat_sink_temperature",
			Description: "Heat sink temperature within the operating envelope",
			Level:       ValidationLevelStandard,
			Match:       exact("inverter_heat_sink_temperature"),
			Check:       rangeCheck(-40, 120, SeverityWarning),
		},
		{
			Name:        "output_load_percent",
			Description: "Load percentage beyond overload range",
			Level:       ValidationLevelStandard,
			Match:       exact("output_load_percent"),
			Check:       rangeCheck(0, 150, SeverityWarning),
		},
		{
			Name:        "serial_number_format",
			Description: "Serial numbers are 8 to 20 alphanumeric characters",
			Level:       ValidationLevelStrict,
			Match:       exact("serial_number"),
			Check: func(item domain.TelemetryItem) *ValidationError {
				serial, ok := item.Value.(string)
				if !ok {
					return &ValidationError{Severity: SeverityError, Message: "serial number is not a string"}
				}
				if len(serial) < 8 || len(serial) > 20 {
					return &ValidationError{
						Severity: SeverityWarning,
						Message:  fmt.Sprintf("unusual serial number length: %d characters", len(serial)),
					}
				}
				for _, r := range serial {
					if !((r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
						return &ValidationError{Severity: SeverityWarning, Message: "serial number contains invalid characters"}
					}
				}
				return nil
			},
		},
	}
}
