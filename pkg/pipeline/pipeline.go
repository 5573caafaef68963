// Package pipeline runs documents through chunking, embedding and extraction
// and loads the result into the graph store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/docgraph/internal/util"
	"github.com/OFFIS-RIT/docgraph/pkg/chunker"
	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/embed"
	"github.com/OFFIS-RIT/docgraph/pkg/extract"
	"github.com/OFFIS-RIT/docgraph/pkg/graph"
	"github.com/OFFIS-RIT/docgraph/pkg/identity"
	"github.com/OFFIS-RIT/docgraph/pkg/logger"
	"github.com/OFFIS-RIT/docgraph/pkg/source"
	"github.com/OFFIS-RIT/docgraph/pkg/store"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

// State is the last stage a document completed.
type State string

const (
	StateExtracted         State = "extracted"
	StatePreprocessed      State = "preprocessed"
	StateChunked           State = "chunked"
	StateEmbedded          State = "embedded"
	StateEntitiesExtracted State = "entities_extracted"
	StateLoaded            State = "loaded"
)

// ModelParsePolicy decides what a chunk's unparseable model output turns into.
type ModelParsePolicy string

const (
	// ModelParseEmpty treats the chunk as having no entities.
	ModelParseEmpty ModelParsePolicy = "empty"
	// ModelParseFail fails the document.
	ModelParseFail ModelParsePolicy = "fail"
)

func (p ModelParsePolicy) IsValid() bool {
	return p == ModelParseEmpty || p == ModelParseFail
}

// Policies are the named failure policies of a run.
type Policies struct {
	// ContinueOnExtractError skips a document whose chunking, embedding or
	// extraction failed. When false such a failure ends the run.
	ContinueOnExtractError bool
	// AbortOnLoadError ends the run on the first load failure. When false the
	// document is recorded as failed and the run continues.
	AbortOnLoadError bool
	ModelParse       ModelParsePolicy
}

func DefaultPolicies() Policies {
	return Policies{
		ContinueOnExtractError: true,
		AbortOnLoadError:       true,
		ModelParse:             ModelParseEmpty,
	}
}

// Hooks observe a run. All fields are optional.
type Hooks struct {
	Stage    func(stage State, d time.Duration)
	Document func(outcome string)
	Write    graph.WriteObserver
	Dropped  func(n int)
}

// Document outcomes passed to Hooks.Document.
const (
	OutcomeLoaded  = "loaded"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Params wires a Pipeline.
type Params struct {
	Store     store.GraphStore
	Chunker   chunker.Chunker
	Embedder  embed.Embedder
	Extractor extract.Extractor

	// IdentityScope defaults to identity.ScopeNone.
	IdentityScope identity.Scope
	Registry      identity.Registry
	// RunID scopes run-wide entity identity. A random one is used when empty.
	RunID string

	Locker   graph.Locker
	Policies Policies
	// Workers is the number of documents processed at once. Values below 1
	// mean 1.
	Workers int
	Hooks   Hooks
}

type Pipeline struct {
	store     store.GraphStore
	chunker   chunker.Chunker
	embedder  embed.Embedder
	extractor extract.Extractor
	identity  *identity.Resolver
	locker    graph.Locker
	policies  Policies
	workers   int
	hooks     Hooks
	runID     string
}

func New(p Params) (*Pipeline, error) {
	if p.Store == nil || p.Chunker == nil || p.Embedder == nil || p.Extractor == nil {
		return nil, errors.New("pipeline needs a store, chunker, embedder and extractor")
	}
	if p.IdentityScope == "" {
		p.IdentityScope = identity.ScopeNone
	}
	if !p.IdentityScope.IsValid() {
		return nil, fmt.Errorf("invalid identity scope %q", p.IdentityScope)
	}
	if p.Policies.ModelParse == "" {
		p.Policies.ModelParse = ModelParseEmpty
	}
	if !p.Policies.ModelParse.IsValid() {
		return nil, fmt.Errorf("invalid model parse policy %q", p.Policies.ModelParse)
	}
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}
	return &Pipeline{
		store:     p.Store,
		chunker:   p.Chunker,
		embedder:  p.Embedder,
		extractor: p.Extractor,
		identity:  identity.NewResolver(p.IdentityScope, p.Registry, p.RunID),
		locker:    p.Locker,
		policies:  p.Policies,
		workers:   max(p.Workers, 1),
		hooks:     p.Hooks,
		runID:     p.RunID,
	}, nil
}

func (p *Pipeline) RunID() string { return p.runID }

// DocumentReport describes one processed document.
type DocumentReport struct {
	DocumentID    string
	Filename      string
	State         State
	ParseFailures int
	Load          graph.LoadReport
}

// RunReport summarises a Run.
type RunReport struct {
	RunID         string
	Duration      time.Duration
	Documents     int
	Loaded        int
	Failed        []*DocumentError
	Entities      int
	Relationships int
	Chunks        int
	Dropped       int
	ParseFailures int
}

func (r *RunReport) add(d DocumentReport) {
	r.Loaded++
	r.Entities += d.Load.Entities
	r.Relationships += d.Load.Relationships
	r.Chunks += d.Load.Chunks
	r.Dropped += len(d.Load.Dropped)
	r.ParseFailures += d.ParseFailures
}

// Run processes every document of src. It returns the report and the error
// that ended the run, if any. The store session is released before Run
// returns.
func (p *Pipeline) Run(ctx context.Context, src source.Source) (report RunReport, err error) {
	started := time.Now()
	report = RunReport{RunID: p.runID}
	defer func() { report.Duration = time.Since(started) }()

	docs, err := src.Documents(ctx)
	if err != nil {
		if errors.Is(err, source.ErrSourceEmpty) {
			logger.Warn("[Pipeline] No documents found", "run_id", p.runID, "err", err)
		}
		return report, err
	}

	loader, err := graph.NewLoader(ctx, p.store, p.loaderOptions()...)
	if err != nil {
		return report, err
	}
	defer func() {
		if err := loader.Close(); err != nil {
			logger.Error("[Pipeline] Failed to release store session", "run_id", p.runID, "err", err)
		}
	}()

	logger.Info("[Pipeline] Starting run", "run_id", p.runID, "workers", p.workers,
		"identity_scope", p.identity.Scope())

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for doc, err := range docs {
		if gctx.Err() != nil {
			break
		}
		mu.Lock()
		report.Documents++
		mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				break
			}
			derr := &DocumentError{Filename: readPath(err), Stage: StateExtracted, Kind: KindExtraction, Err: err}
			if fatal := p.skip(&mu, &report, derr); fatal != nil {
				g.Go(func() error { return fatal })
				break
			}
			continue
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := p.process(gctx, loader, doc)
			if err == nil {
				mu.Lock()
				report.add(res)
				mu.Unlock()
				p.outcome(OutcomeLoaded)
				return nil
			}
			var derr *DocumentError
			if !errors.As(err, &derr) {
				return err
			}
			if derr.Kind == KindStoreWrite {
				mu.Lock()
				report.Failed = append(report.Failed, derr)
				mu.Unlock()
				p.outcome(OutcomeFailed)
				if p.policies.AbortOnLoadError {
					return derr
				}
				return nil
			}
			return p.skip(&mu, &report, derr)
		})
	}

	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	logger.Info("[Pipeline] Run finished", "run_id", p.runID, "documents", report.Documents,
		"loaded", report.Loaded, "failed", len(report.Failed), "entities", report.Entities,
		"relationships", report.Relationships, "chunks", report.Chunks, "dropped", report.Dropped,
		"duration", time.Since(started))
	return report, err
}

// skip records an extract stage failure. It returns derr when the policy
// ends the run.
func (p *Pipeline) skip(mu *sync.Mutex, report *RunReport, derr *DocumentError) error {
	mu.Lock()
	report.Failed = append(report.Failed, derr)
	mu.Unlock()
	if !p.policies.ContinueOnExtractError {
		p.outcome(OutcomeFailed)
		return derr
	}
	logger.Warn("[Pipeline] Skipping document", "document_id", derr.DocumentID,
		"filename", derr.Filename, "stage", derr.Stage, "kind", derr.Kind, "err", derr.Err)
	p.outcome(OutcomeSkipped)
	return nil
}

func readPath(err error) string {
	var rerr *source.ReadError
	if errors.As(err, &rerr) {
		return rerr.Path
	}
	return ""
}

// Process runs a single document through every stage with its own store
// session. Policies do not apply; the first failure is returned as a
// *DocumentError.
func (p *Pipeline) Process(ctx context.Context, doc common.Document) (DocumentReport, error) {
	loader, err := graph.NewLoader(ctx, p.store, p.loaderOptions()...)
	if err != nil {
		return DocumentReport{DocumentID: doc.ID, Filename: doc.Filename}, err
	}
	defer loader.Close()

	res, err := p.process(ctx, loader, doc)
	switch {
	case err == nil:
		p.outcome(OutcomeLoaded)
	case KindOf(err) != "":
		p.outcome(OutcomeFailed)
	}
	return res, err
}

func (p *Pipeline) loaderOptions() []graph.LoaderOption {
	opts := []graph.LoaderOption{graph.WithWriteObserver(p.hooks.Write)}
	if p.locker != nil {
		opts = append(opts, graph.WithLocker(p.locker))
	}
	return opts
}

func (p *Pipeline) outcome(o string) {
	if p.hooks.Document != nil {
		p.hooks.Document(o)
	}
}

func (p *Pipeline) timed(stage State, start time.Time) {
	if p.hooks.Stage != nil {
		p.hooks.Stage(stage, time.Since(start))
	}
}

func (p *Pipeline) process(ctx context.Context, loader *graph.Loader, doc common.Document) (DocumentReport, error) {
	if doc.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return DocumentReport{}, fmt.Errorf("failed to generate ID for document: %w", err)
		}
		doc.ID = id
	}
	report := DocumentReport{DocumentID: doc.ID, Filename: doc.Filename, State: StateExtracted}
	fail := func(kind Kind, err error) (DocumentReport, error) {
		derr := &DocumentError{
			DocumentID: doc.ID,
			Filename:   doc.Filename,
			Stage:      report.State,
			Kind:       kind,
			Err:        err,
		}
		logger.Error("[Pipeline] Document failed", "document_id", doc.ID, "filename", doc.Filename,
			"stage", report.State, "kind", kind, "err", err)
		return report, derr
	}

	start := time.Now()
	doc.Content = util.NormalizeText(doc.Content)
	report.State = StatePreprocessed
	p.timed(StatePreprocessed, start)

	start = time.Now()
	spans, err := p.chunker.Chunk(ctx, doc)
	if err != nil {
		return fail(KindExtraction, fmt.Errorf("chunk: %w", err))
	}
	chunks, err := graph.LinkChunks(doc.ID, spans)
	if err != nil {
		return fail(KindExtraction, err)
	}
	report.State = StateChunked
	p.timed(StateChunked, start)

	start = time.Now()
	if err := p.embed(ctx, chunks); err != nil {
		return fail(KindEmbedding, err)
	}
	report.State = StateEmbedded
	p.timed(StateEmbedded, start)

	start = time.Now()
	extractions := make([]common.ExtractionResult, len(chunks))
	ectx := extract.WithDocumentName(ctx, doc.Filename)
	for i, c := range chunks {
		res, err := p.extractor.Extract(ectx, c.Content)
		if errors.Is(err, extract.ErrModelParse) {
			if p.policies.ModelParse == ModelParseFail {
				return fail(KindModelParse, fmt.Errorf("chunk %d: %w", c.Index, err))
			}
			logger.Warn("[Pipeline] Unparseable model output, using empty extraction",
				"document_id", doc.ID, "chunk", c.Index, "err", err)
			report.ParseFailures++
			res = common.ExtractionResult{}
		} else if err != nil {
			return fail(KindExtraction, fmt.Errorf("chunk %d: %w", c.Index, err))
		}

		res, err = graph.EnsureEntityIDs(res)
		if err != nil {
			return fail(KindExtraction, err)
		}
		res, err = p.identity.Assign(ctx, doc.ID, res)
		if err != nil {
			return fail(KindExtraction, err)
		}
		extractions[i] = graph.Resolve(res)
	}
	report.State = StateEntitiesExtracted
	p.timed(StateEntitiesExtracted, start)

	start = time.Now()
	load, err := loader.Load(ctx, graph.DocumentGraph{
		Document:    doc,
		Chunks:      chunks,
		Extractions: extractions,
	})
	report.Load = load
	if n := len(load.Dropped); n > 0 {
		logger.Info("[Pipeline] Dropped relationships with missing endpoints",
			"document_id", doc.ID, "kind", KindMissingEndpoint, "count", n)
		if p.hooks.Dropped != nil {
			p.hooks.Dropped(n)
		}
	}
	if err != nil {
		return fail(KindStoreWrite, err)
	}
	report.State = StateLoaded
	p.timed(StateLoaded, start)

	logger.Debug("[Pipeline] Loaded document", "document_id", doc.ID, "filename", doc.Filename,
		"chunks", len(chunks), "entities", load.Entities, "relationships", load.Relationships)
	return report, nil
}

func (p *Pipeline) embed(ctx context.Context, chunks []common.TextChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("embed: got %d vectors for %d chunks", len(vecs), len(chunks))
	}
	for i := range chunks {
		chunks[i].Embedding = vecs[i]
	}
	return nil
}
