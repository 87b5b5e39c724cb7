package schema

import "fmt"

// SchemaLoadError indicates the command table is missing or malformed.
type SchemaLoadError struct {
	Source string
	Err    error
}

func (e *SchemaLoadError) Error() string {
	return fmt.Sprintf("failed to load command schema from %s: %v", e.Source, e.Err)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Err
}

// UnknownCommandError indicates a command token absent from the schema.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Command)
}
