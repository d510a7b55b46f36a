package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrDefinition is wrapped by every *DefinitionError.
	ErrDefinition = errors.New("invalid pipeline definition")
	// ErrRootUnreadable means the pipelines root itself cannot be listed.
	ErrRootUnreadable = errors.New("pipelines root unreadable")
)

// ErrorKind tags the reason a definition was rejected.
type ErrorKind string

const (
	KindRead       ErrorKind = "read"
	KindDecode     ErrorKind = "decode"
	KindValidate   ErrorKind = "validate"
	KindExpression ErrorKind = "expression"
	KindDuplicate  ErrorKind = "duplicate"
)

// DefinitionError reports a pipeline that was excluded from scheduling.
type DefinitionError struct {
	Kind ErrorKind
	// Path is the definition file (or directory for KindRead).
	Path string
	// ID is the declared pipeline id, when known.
	ID  string
	Err error
}

func (e *DefinitionError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%v (%s) %s [%s]: %v", ErrDefinition, e.Kind, e.Path, e.ID, e.Err)
	}
	return fmt.Sprintf("%v (%s) %s: %v", ErrDefinition, e.Kind, e.Path, e.Err)
}

func (e *DefinitionError) Unwrap() []error { return []error{ErrDefinition, e.Err} }

func defErr(kind ErrorKind, path, id string, err error) *DefinitionError {
	return &DefinitionError{Kind: kind, Path: path, ID: id, Err: err}
}
