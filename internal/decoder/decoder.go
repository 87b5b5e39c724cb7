// Package decoder turns the raw fields of an inverter reply into typed
// telemetry items using the command schema.
package decoder

import (
	"fmt"
	"strconv"

	"github.com/resident-x/go-xpertking/internal/domain"
	"github.com/resident-x/go-xpertking/internal/schema"
)

// Result holds the items decoded from one reply and the fields that failed.
type Result struct {
	Items    []domain.TelemetryItem
	Failures []*FieldDecodeError
}

// Decoder applies per-kind decoding rules. It is safe for concurrent use.
type Decoder struct {
	schema *schema.Schema
}

// New creates a decoder bound to a schema.
func New(s *schema.Schema) *Decoder {
	return &Decoder{schema: s}
}

// Decode converts raw fields in schema order. Field i only ever reads raw[i];
// schema fields beyond len(raw) are skipped and raw fields without a
// definition are ignored. The only error is an unknown command.
func (d *Decoder) Decode(command string, raw []string) (*Result, error) {
	fields, err := d.schema.Lookup(command)
	if err != nil {
		return nil, err
	}

	result := &Result{Items: make([]domain.TelemetryItem, 0, len(fields))}
	for i, field := range fields {
		if i >= len(raw) {
			break
		}

		items, err := decodeField(command, field, raw[i])
		if err != nil {
			result.Failures = append(result.Failures, &FieldDecodeError{
				Command: command,
				Index:   i,
				Field:   field.Name,
				Raw:     raw[i],
				Err:     err,
			})
			continue
		}
		result.Items = append(result.Items, items...)
	}

	return result, nil
}

func decodeField(command string, field schema.FieldDefinition, raw string) ([]domain.TelemetryItem, error) {
	switch field.Kind {
	case schema.KindInt:
		v, err := decodeInt(raw, field.Multiplier)
		if err != nil {
			return nil, err
		}
		return []domain.TelemetryItem{scalarItem(command, field, v)}, nil
	case schema.KindFloat:
		v, err := decodeFloat(raw, field.Multiplier)
		if err != nil {
			return nil, err
		}
		return []domain.TelemetryItem{scalarItem(command, field, v)}, nil
	case schema.KindBitfield:
		return decodeBitfield(command, field, raw)
	case schema.KindEnum:
		return decodeEnum(command, field, raw)
	case schema.KindString, schema.KindOther:
		return []domain.TelemetryItem{scalarItem(command, field, raw)}, nil
	default:
		return nil, fmt.Errorf("unsupported field kind %s", field.Kind)
	}
}

func scalarItem(command string, field schema.FieldDefinition, value interface{}) domain.TelemetryItem {
	return domain.TelemetryItem{
		Param:   field.Name,
		Value:   value,
		Unit:    field.Unit,
		Command: command,
		Sensor:  field.Sensor,
		Text:    field.Text,
	}
}

// decodeInt keeps integer values integral unless the multiplier is fractional.
func decodeInt(raw string, m *schema.Multiplier) (interface{}, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid int: %w", err)
	}
	if m == nil {
		return v, nil
	}
	if m.IsIntegral() {
		return v * m.Int(), nil
	}
	return float64(v) * m.Float(), nil
}

func decodeFloat(raw string, m *schema.Multiplier) (interface{}, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid float: %w", err)
	}
	if m != nil {
		v *= m.Float()
	}
	return v, nil
}

// decodeBitfield emits one item per character. Any unknown character or a
// character without a sub-field fails the whole field.
func decodeBitfield(command string, field schema.FieldDefinition, raw string) ([]domain.TelemetryItem, error) {
	chars := []rune(raw)
	if len(chars) > len(field.Params) {
		return nil, fmt.Errorf("%d flags for %d sub-fields", len(chars), len(field.Params))
	}

	items := make([]domain.TelemetryItem, 0, len(chars))
	for j, c := range chars {
		param := field.Params[j]
		label, ok := param.Values[string(c)]
		if !ok {
			return nil, fmt.Errorf("sub-field %s: no label for %q", param.Name, c)
		}
		items = append(items, complexItem(command, param, label))
	}

	return items, nil
}

// decodeEnum resolves the raw token through the first complex param and
// falls back to the token itself.
func decodeEnum(command string, field schema.FieldDefinition, raw string) ([]domain.TelemetryItem, error) {
	if len(field.Params) == 0 {
		return nil, fmt.Errorf("enum field has no lookup")
	}

	param := field.Params[0]
	value := raw
	if label, ok := param.Values[raw]; ok {
		value = label
	}

	return []domain.TelemetryItem{complexItem(command, param, value)}, nil
}

func complexItem(command string, param schema.ComplexParam, value string) domain.TelemetryItem {
	text := param.Text
	if text == "" {
		text = param.Name
	}
	return domain.TelemetryItem{
		Param:   param.Name,
		Value:   value,
		Command: command,
		Sensor:  param.Sensor,
		Text:    text,
	}
}
