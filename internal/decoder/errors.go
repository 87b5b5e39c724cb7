package decoder

import "fmt"

// FieldDecodeError reports one field that could not be decoded. It never
// aborts the rest of the reply.
type FieldDecodeError struct {
	Command string
	Index   int
	Field   string
	Raw     string
	Err     error
}

func (e *FieldDecodeError) Error() string {
	return fmt.Sprintf("%s field %d (%s) raw %q: %v", e.Command, e.Index, e.Field, e.Raw, e.Err)
}

func (e *FieldDecodeError) Unwrap() error {
	return e.Err
}
