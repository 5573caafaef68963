package graph

import (
	"fmt"
	"strings"
)

// Write operations reported in WriteError.Op.
const (
	OpUpsertDocument     = "upsert_document"
	OpUpsertEntity       = "upsert_entity"
	OpUpsertRelationship = "upsert_relationship"
	OpCreateChunk        = "create_chunk"
)

// WriteError is a single failed store write.
type WriteError struct {
	Op  string
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// LoadError reports the failed writes of one document load. Skipped names the
// write groups that were not attempted because an earlier group failed.
type LoadError struct {
	DocumentID string
	Failures   []*WriteError
	Skipped    []string
}

func (e *LoadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "load document %s: %d write(s) failed", e.DocumentID, len(e.Failures))
	if len(e.Failures) > 0 {
		fmt.Fprintf(&b, ", first: %v", e.Failures[0])
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, " (skipped %s)", strings.Join(e.Skipped, ", "))
	}
	return b.String()
}

func (e *LoadError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}
