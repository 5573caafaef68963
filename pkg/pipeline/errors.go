package pipeline

import (
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/docgraph/pkg/extract"
	"github.com/OFFIS-RIT/docgraph/pkg/graph"
	"github.com/OFFIS-RIT/docgraph/pkg/source"
	"github.com/OFFIS-RIT/docgraph/pkg/store"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindSourceEmpty     Kind = "source_empty"
	KindExtraction      Kind = "extraction_failure"
	KindEmbedding       Kind = "embedding_failure"
	KindModelParse      Kind = "model_parse_failure"
	KindMissingEndpoint Kind = "missing_endpoint"
	KindStoreWrite      Kind = "store_write_failure"
)

// DocumentError is a failure scoped to one document.
type DocumentError struct {
	DocumentID string
	Filename   string
	Stage      State
	Kind       Kind
	Err        error
}

func (e *DocumentError) Error() string {
	name := e.Filename
	if name == "" {
		name = e.DocumentID
	}
	return fmt.Sprintf("document %s: %s after %s: %v", name, e.Kind, e.Stage, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or "" when err is nil or not a pipeline
// failure.
func KindOf(err error) Kind {
	var derr *DocumentError
	var lerr *graph.LoadError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &derr):
		return derr.Kind
	case errors.Is(err, source.ErrSourceEmpty):
		return KindSourceEmpty
	case errors.Is(err, extract.ErrModelParse):
		return KindModelParse
	case errors.As(err, &lerr):
		return KindStoreWrite
	case errors.Is(err, store.ErrMissingEndpoint):
		return KindMissingEndpoint
	}
	return ""
}
