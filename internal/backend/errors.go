package backend

import (
	"context"
	"errors"
	"fmt"
)

// Kind names a category of the error taxonomy, as shown in run reports.
type Kind string

const (
	KindTransport  Kind = "transport"
	KindSchema     Kind = "schema"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindCancelled  Kind = "cancelled"
	KindInternal   Kind = "internal"
)

// TransportError is a network failure, timeout, rate limit, or 5xx response.
// It is the only retryable kind.
type TransportError struct {
	Op      string
	Status  int
	Payload string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transport error (status %d): %s", e.Op, e.Status, e.Payload)
	}
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SchemaError reports that the backend rejected a table, column, or link
// definition. Payload holds the backend's raw response.
type SchemaError struct {
	Table   string
	Column  string
	Status  int
	Payload string
	Err     error
}

func (e *SchemaError) Error() string {
	target := e.Table
	if e.Column != "" {
		target += "." + e.Column
	}
	msg := fmt.Sprintf("schema error on %s", target)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Payload != "" {
		msg += ": " + e.Payload
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ValidationError is a 4xx response to a record read or write.
type ValidationError struct {
	Op      string
	Status  int
	Payload string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: rejected with status %d: %s", e.Op, e.Status, e.Payload)
}

// NotFoundError reports that a table or record required by an operation is
// absent.
type NotFoundError struct {
	What    string
	Name    string
	Status  int
	Payload string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.What, e.Name)
}

// SchemaDriftWarning records a remote column whose type differs from the
// declared one. It is logged and returned for reporting; it never fails an
// operation.
type SchemaDriftWarning struct {
	Table    string
	Column   string
	Declared string
	Remote   string
}

func (w SchemaDriftWarning) String() string {
	return fmt.Sprintf("column %s.%s is %q remotely, declared %q", w.Table, w.Column, w.Remote, w.Declared)
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// KindOf classifies err into the taxonomy.
func KindOf(err error) Kind {
	var (
		te *TransportError
		se *SchemaError
		ve *ValidationError
		ne *NotFoundError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return KindSchema
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ne):
		return KindNotFound
	case errors.As(err, &te):
		return KindTransport
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}

// RawPayload returns the raw backend response attached to err, if any.
func RawPayload(err error) string {
	var (
		te *TransportError
		se *SchemaError
		ve *ValidationError
		ne *NotFoundError
	)
	switch {
	case errors.As(err, &se):
		return se.Payload
	case errors.As(err, &ve):
		return ve.Payload
	case errors.As(err, &ne):
		return ne.Payload
	case errors.As(err, &te):
		return te.Payload
	}
	return ""
}

// AsSchemaError converts a rejection of a schema operation into a
// [SchemaError], keeping transport errors as they are so callers can still
// tell them apart.
func AsSchemaError(err error, table, column string) error {
	if err == nil {
		return nil
	}
	var se *SchemaError
	if errors.As(err, &se) || IsRetryable(err) {
		return err
	}
	out := &SchemaError{Table: table, Column: column, Err: err}
	var ve *ValidationError
	if errors.As(err, &ve) {
		out.Status, out.Payload = ve.Status, ve.Payload
	}
	var ne *NotFoundError
	if errors.As(err, &ne) {
		out.Status, out.Payload = ne.Status, ne.Payload
	}
	return out
}
