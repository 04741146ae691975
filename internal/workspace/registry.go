package workspace

import (
	"context"
	"errors"
	"sync"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"inkwell/api/internal/loop"
	"inkwell/api/internal/store"
	"inkwell/api/internal/transcript"
)

type documentLoader interface {
	GetDocument(context.Context, string) (store.Document, error)
}

type transcriptLoader interface {
	LoadTranscript(context.Context, string) (transcript.Snapshot, bool, error)
}

type repoInitializer interface {
	EnsureRepo(string, string, string) error
}

// RegistryDeps extends Deps with what opening a workspace needs.
type RegistryDeps struct {
	Deps
	Loader  documentLoader
	History transcriptLoader
	Repos   repoInitializer
	// NewRunner builds the loop for a workspace. Defaults to loop.New.
	NewRunner func(logger logrus.FieldLogger) Runner
}

// Registry keeps one open workspace per document.
type Registry struct {
	template Config
	deps     RegistryDeps
	logger   logrus.FieldLogger

	mu    sync.Mutex
	open  map[string]*entry
	loads singleflight.Group
}

type entry struct {
	ws     *Workspace
	closer func()
}

// NewRegistry opens workspaces configured like template, with the document
// fields filled from the store.
func NewRegistry(template Config, deps RegistryDeps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if deps.NewRunner == nil {
		deps.NewRunner = func(logger logrus.FieldLogger) Runner { return loop.New(logger) }
	}
	return &Registry{
		template: template,
		deps:     deps,
		logger:   logger,
		open:     make(map[string]*entry),
	}
}

// Open returns the workspace for documentID, loading it on first use.
// Concurrent opens of one document share a single load, which runs with the
// first caller's context.
func (r *Registry) Open(ctx context.Context, documentID string) (*Workspace, error) {
	if ws, ok := r.lookup(documentID); ok {
		return ws, nil
	}
	v, err, _ := r.loads.Do(documentID, func() (any, error) {
		if ws, ok := r.lookup(documentID); ok {
			return ws, nil
		}
		e, err := r.load(ctx, documentID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.open[documentID] = e
		r.mu.Unlock()
		return e.ws, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Workspace), nil
}

func (r *Registry) lookup(documentID string) (*Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.open[documentID]
	if !ok {
		return nil, false
	}
	return e.ws, true
}

func (r *Registry) load(ctx context.Context, documentID string) (*entry, error) {
	doc, err := r.deps.Loader.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeUnavailable).
			WithMsg("load document").
			WithCause(err)
	}

	logger := r.logger.WithField("document_id", documentID)
	var restored *transcript.Snapshot
	if r.deps.History != nil {
		snap, ok, err := r.deps.History.LoadTranscript(ctx, documentID)
		switch {
		case err != nil:
			logger.WithError(err).Warn("workspace: transcript restore failed, starting empty")
		case ok:
			restored = &snap
		}
	}
	if r.deps.Repos != nil {
		if err := r.deps.Repos.EnsureRepo(documentID, doc.Body, r.template.Author); err != nil {
			logger.WithError(err).Warn("workspace: revision history unavailable")
		}
	}

	cfg := r.template
	cfg.DocumentID = doc.ID
	cfg.Title = doc.Title
	cfg.Text = doc.Body
	cfg.Version = doc.Version
	if doc.FolderID != nil {
		cfg.FolderID = *doc.FolderID
	}

	run := r.deps.NewRunner(logger)
	e := &entry{}
	if c, ok := run.(interface{ Close() }); ok {
		e.closer = c.Close
	}
	if err := run.Call(ctx, func() error {
		e.ws = New(run, cfg, r.deps.Deps, restored)
		return nil
	}); err != nil {
		if e.closer != nil {
			e.closer()
		}
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("start workspace").
			WithCause(err)
	}
	logger.Info("workspace: opened")
	return e, nil
}

// Get returns an open workspace without loading it.
func (r *Registry) Get(documentID string) (*Workspace, error) {
	ws, ok := r.lookup(documentID)
	if !ok {
		return nil, ErrNotFound
	}
	return ws, nil
}

// Close flushes and drops the workspace for documentID.
func (r *Registry) Close(ctx context.Context, documentID string) error {
	r.mu.Lock()
	e, ok := r.open[documentID]
	delete(r.open, documentID)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return r.shutdown(ctx, e)
}

// CloseAll closes every open workspace and returns the first error.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.open))
	for id, e := range r.open {
		entries = append(entries, e)
		delete(r.open, id)
	}
	r.mu.Unlock()

	var first error
	for _, e := range entries {
		if err := r.shutdown(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Registry) shutdown(ctx context.Context, e *entry) error {
	err := e.ws.Close(ctx)
	if e.closer != nil {
		e.closer()
	}
	r.logger.WithField("document_id", e.ws.ID()).Info("workspace: closed")
	return err
}

// OpenIDs lists the documents with an open workspace.
func (r *Registry) OpenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.open))
	for id := range r.open {
		ids = append(ids, id)
	}
	return ids
}
