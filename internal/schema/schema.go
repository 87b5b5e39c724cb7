// Package schema loads the command table that describes how each inverter
// reply is laid out and decoded.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

//go:embed commands/*.json
var embeddedCommands embed.FS

const defaultSchemaFile = "commands/inverter_commands.json"

// FieldKind is the decoding rule applied to a raw field.
type FieldKind int

const (
	KindOther FieldKind = iota
	KindInt
	KindFloat
	KindString
	KindBitfield
	KindEnum
)

// String returns the schema spelling of the kind.
func (k FieldKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBitfield:
		return "string_binary"
	case KindEnum:
		return "assoc_value"
	default:
		return "other"
	}
}

// ParseFieldKind maps a schema type name to a kind. Unknown names map to KindOther.
func ParseFieldKind(name string) FieldKind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "int":
		return KindInt
	case "float":
		return KindFloat
	case "string":
		return KindString
	case "string_binary":
		return KindBitfield
	case "assoc_value":
		return KindEnum
	default:
		return KindOther
	}
}

// IsComplex reports whether the kind is resolved through complex params.
func (k FieldKind) IsComplex() bool {
	return k == KindBitfield || k == KindEnum
}

// Multiplier scales int and float fields.
type Multiplier struct {
	value    float64
	integral bool
}

// NewMultiplier creates a multiplier from a float value.
func NewMultiplier(v float64) *Multiplier {
	return &Multiplier{value: v, integral: v == float64(int64(v))}
}

// Float returns the multiplier as a float64.
func (m *Multiplier) Float() float64 { return m.value }

// Int returns the multiplier truncated to an int64.
func (m *Multiplier) Int() int64 { return int64(m.value) }

// IsIntegral reports whether the schema wrote the multiplier as an integer.
func (m *Multiplier) IsIntegral() bool { return m.integral }

// ComplexParam is a bitfield sub-field or an enum lookup.
type ComplexParam struct {
	Name   string
	Text   string
	Sensor string
	Values map[string]string
}

// FieldDefinition describes one positional field of a reply.
type FieldDefinition struct {
	Index      int
	Name       string
	Kind       FieldKind
	Unit       string
	Multiplier *Multiplier
	Sensor     string
	Text       string
	Params     []ComplexParam
}

// Schema maps command tokens to their ordered field definitions.
// It is read-only once loaded.
type Schema struct {
	commands map[string][]FieldDefinition
}

// rawParam mirrors a complex param entry of the schema file.
type rawParam struct {
	Name   string            `json:"name"`
	Text   string            `json:"text"`
	Sensor string            `json:"sensor"`
	Value  map[string]string `json:"value"`
}

// rawField mirrors a field entry of the schema file.
type rawField struct {
	Name          string      `json:"name"`
	Type          string      `json:"type"`
	Unit          string      `json:"unit"`
	Multiplier    json.Number `json:"multiplier"`
	Sensor        string      `json:"sensor"`
	Text          string      `json:"text"`
	ComplexParams *struct {
		Params []rawParam `json:"params"`
	} `json:"complex_params"`
}

// LoadDefault loads the command table embedded in the binary.
func LoadDefault() (*Schema, error) {
	data, err := embeddedCommands.ReadFile(defaultSchemaFile)
	if err != nil {
		return nil, &SchemaLoadError{Source: defaultSchemaFile, Err: err}
	}
	return load(defaultSchemaFile, bytes.NewReader(data))
}

// LoadFile loads a command table from disk.
func LoadFile(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &SchemaLoadError{Source: path, Err: err}
	}
	defer f.Close()

	return load(path, f)
}

// Load parses a command table from r.
func Load(r io.Reader) (*Schema, error) {
	return load("reader", r)
}

func load(source string, r io.Reader) (*Schema, error) {
	var raw map[string]map[string]rawField

	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &SchemaLoadError{Source: source, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if len(raw) == 0 {
		return nil, &SchemaLoadError{Source: source, Err: fmt.Errorf("no commands defined")}
	}

	s := &Schema{commands: make(map[string][]FieldDefinition, len(raw))}
	for command, fields := range raw {
		defs, err := buildFields(fields)
		if err != nil {
			return nil, &SchemaLoadError{Source: source, Err: fmt.Errorf("command %s: %w", command, err)}
		}
		s.commands[command] = defs
	}

	return s, nil
}

// buildFields orders the "0".."n-1" keyed field map and converts each entry.
func buildFields(fields map[string]rawField) ([]FieldDefinition, error) {
	defs := make([]FieldDefinition, len(fields))
	seen := make([]bool, len(fields))

	for key, rf := range fields {
		index, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("field key %q is not an index", key)
		}
		if index < 0 || index >= len(fields) {
			return nil, fmt.Errorf("field index %d out of range 0-%d", index, len(fields)-1)
		}

		def, err := buildField(index, rf)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", index, err)
		}
		defs[index] = def
		seen[index] = true
	}

	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("field index %d missing", i)
		}
	}

	return defs, nil
}

func buildField(index int, rf rawField) (FieldDefinition, error) {
	if rf.Name == "" {
		return FieldDefinition{}, fmt.Errorf("name is required")
	}

	def := FieldDefinition{
		Index:  index,
		Name:   rf.Name,
		Kind:   ParseFieldKind(rf.Type),
		Unit:   rf.Unit,
		Sensor: rf.Sensor,
		Text:   rf.Text,
	}
	if def.Text == "" {
		def.Text = def.Name
	}

	if rf.Multiplier != "" {
		m, err := parseMultiplier(rf.Multiplier)
		if err != nil {
			return FieldDefinition{}, err
		}
		def.Multiplier = m
	}

	if def.Kind.IsComplex() {
		if rf.ComplexParams == nil || len(rf.ComplexParams.Params) == 0 {
			return FieldDefinition{}, fmt.Errorf("%s field requires complex_params.params", def.Kind)
		}
		def.Params = make([]ComplexParam, 0, len(rf.ComplexParams.Params))
		for _, p := range rf.ComplexParams.Params {
			param := ComplexParam{
				Name:   p.Name,
				Text:   p.Text,
				Sensor: p.Sensor,
				Values: p.Value,
			}
			if param.Text == "" {
				param.Text = param.Name
			}
			if param.Values == nil {
				param.Values = map[string]string{}
			}
			def.Params = append(def.Params, param)
		}
	}

	return def, nil
}

func parseMultiplier(n json.Number) (*Multiplier, error) {
	if i, err := n.Int64(); err == nil {
		return &Multiplier{value: float64(i), integral: true}, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid multiplier %q: %w", n.String(), err)
	}
	return &Multiplier{value: f}, nil
}

// New builds a schema from already constructed definitions.
func New(commands map[string][]FieldDefinition) *Schema {
	s := &Schema{commands: make(map[string][]FieldDefinition, len(commands))}
	for command, defs := range commands {
		copied := make([]FieldDefinition, len(defs))
		for i, def := range defs {
			def.Index = i
			if def.Text == "" {
				def.Text = def.Name
			}
			copied[i] = def
		}
		s.commands[command] = copied
	}
	return s
}

// Lookup returns the ordered field definitions of a command.
func (s *Schema) Lookup(command string) ([]FieldDefinition, error) {
	defs, ok := s.commands[command]
	if !ok {
		return nil, &UnknownCommandError{Command: command}
	}
	return defs, nil
}

// Has reports whether the schema describes command.
func (s *Schema) Has(command string) bool {
	_, ok := s.commands[command]
	return ok
}

// Commands returns all command tokens in sorted order.
func (s *Schema) Commands() []string {
	commands := make([]string, 0, len(s.commands))
	for command := range s.commands {
		commands = append(commands, command)
	}
	sort.Strings(commands)
	return commands
}
