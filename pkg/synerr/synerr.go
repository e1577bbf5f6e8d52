// Package synerr implements the error taxonomy from spec.md section 7 on
// top of github.com/pkg/errors, the way the teacher wraps errors at every
// layer boundary (errors.Wrap(err, "...")) rather than defining a bespoke
// error hierarchy.
package synerr

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"

	"moul.io/basesync/pkg/model"
)

// Error is a taxonomy-tagged error. It wraps an underlying cause (built
// with github.com/pkg/errors so callers still get a stack trace) and
// carries the row/record/field context spec.md section 7 requires on
// every SyncIssue.
type Error struct {
	Kind      model.ErrorKind
	RecordID  string
	RowIndex  int
	FieldName string
	cause     error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.cause.Error())
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a tagged Error wrapping msg as a fresh error.
func New(kind model.ErrorKind, msg string) *Error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// Wrap tags err with kind, preserving err as the cause via pkg/errors so
// the original stack and message survive.
func Wrap(kind model.ErrorKind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with fmt.Sprintf-style formatting.
func Wrapf(kind model.ErrorKind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// WithRecord attaches a record id to e and returns e for chaining.
func (e *Error) WithRecord(id string) *Error {
	e.RecordID = id
	return e
}

// WithRow attaches a row index to e and returns e for chaining.
func (e *Error) WithRow(idx int) *Error {
	e.RowIndex = idx
	return e
}

// WithField attaches a field name to e and returns e for chaining.
func (e *Error) WithField(name string) *Error {
	e.FieldName = name
	return e
}

// Issue converts e into the model.SyncIssue shape a SyncResult carries.
func (e *Error) Issue() model.SyncIssue {
	return model.SyncIssue{
		Kind:      e.Kind,
		Message:   e.Error(),
		RecordID:  e.RecordID,
		RowIndex:  e.RowIndex,
		FieldName: e.FieldName,
	}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps)
// is a *Error; otherwise returns model.ErrUnknown.
func KindOf(err error) model.ErrorKind {
	var se *Error
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return model.ErrUnknown
}

// Terminal reports whether an error of this kind always aborts the run
// regardless of ValidationMode (spec.md section 7's propagation policy:
// FETCH and AUTH always terminate).
func Terminal(kind model.ErrorKind) bool {
	switch kind {
	case model.ErrFetch, model.ErrAuth, model.ErrCancelled:
		return true
	}
	return false
}
