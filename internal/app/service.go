package app

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"inkwell/api/internal/export"
	"inkwell/api/internal/revisions"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
	"inkwell/api/internal/workspace"
)

type CreateDocumentInput struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	FolderID string `json:"folderId"`
}

type CreateFolderInput struct {
	Name      string `json:"name"`
	ParentID  string `json:"parentId"`
	SortOrder int    `json:"sortOrder"`
}

type ExportInput struct {
	Format            string
	IncludeTranscript bool
	Archive           bool
}

type dataStore interface {
	ListDocuments(context.Context, string) ([]store.DocumentSummary, error)
	GetDocument(context.Context, string) (store.Document, error)
	InsertDocument(context.Context, store.Document) error
	RenameDocument(context.Context, string, string) error
	DeleteDocument(context.Context, string) error
	ListFolders(context.Context) ([]store.Folder, error)
	InsertFolder(context.Context, store.Folder) error
	ListAcceptances(context.Context, string, int) ([]store.Acceptance, error)
	Ping(context.Context) error
}

type searchService interface {
	Search(search.Query) search.Response
	IndexDocument(search.DocumentRecord)
	DeleteDocument(string)
}

type revisionHistory interface {
	EnsureRepo(string, string, string) error
	History(string, int) ([]revisions.Revision, error)
	ContentAt(string, string) (string, error)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
	Archive(context.Context, export.Request) (string, error)
}

type workspaceRegistry interface {
	Open(context.Context, string) (*workspace.Workspace, error)
	Close(context.Context, string) error
}

// Check reports whether a dependency is usable.
type Check func(context.Context) error

type Options struct {
	Store      dataStore
	Search     searchService
	Revisions  revisionHistory
	Exporter   exporter
	Workspaces workspaceRegistry
	// Checks are run by the readiness probe; "database" is added from Store.
	Checks map[string]Check
	Author string
	Logger logrus.FieldLogger
}

type Service struct {
	store      dataStore
	search     searchService
	revisions  revisionHistory
	exporter   exporter
	workspaces workspaceRegistry
	checks     map[string]Check
	author     string
	logger     logrus.FieldLogger
	now        func() time.Time
}

func New(opts Options) *Service {
	checks := make(map[string]Check, len(opts.Checks)+1)
	for name, check := range opts.Checks {
		checks[name] = check
	}
	if opts.Store != nil {
		checks["database"] = opts.Store.Ping
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:      opts.Store,
		search:     opts.Search,
		revisions:  opts.Revisions,
		exporter:   opts.Exporter,
		workspaces: opts.Workspaces,
		checks:     checks,
		author:     opts.Author,
		logger:     logger,
		now:        time.Now,
	}
}

// Bootstrap seeds a starter document into an empty store.
func (s *Service) Bootstrap(ctx context.Context) error {
	documents, err := s.store.ListDocuments(ctx, "")
	if err != nil {
		return err
	}
	if len(documents) > 0 {
		return nil
	}
	_, err = s.CreateDocument(ctx, CreateDocumentInput{
		Title: "Welcome to Inkwell",
		Body: "Highlight a passage to talk about it with your writing partner. " +
			"Switch to co-edit mode and ask for alternatives to see suggestions you can apply with one click. " +
			"Run a voice check to see which lines sound like each of your characters.",
	})
	return err
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready runs every readiness check. The map holds one entry per check.
func (s *Service) Ready(ctx context.Context) (map[string]any, bool) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ready := true
	results := make(map[string]any, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			ready = false
			results[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		results[name] = map[string]any{"status": "ok"}
	}
	return results, ready
}

func (s *Service) ListDocuments(ctx context.Context, folderID string) (map[string]any, error) {
	documents, err := s.store.ListDocuments(ctx, strings.TrimSpace(folderID))
	if err != nil {
		return nil, err
	}
	folders, err := s.store.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"documents": documents, "folders": folders}, nil
}

func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput) (store.Document, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	doc := store.Document{ID: util.NewID("doc"), Title: title, Body: input.Body}
	if folderID := strings.TrimSpace(input.FolderID); folderID != "" {
		doc.FolderID = &folderID
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}
	created, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return store.Document{}, err
	}
	if s.revisions != nil {
		if err := s.revisions.EnsureRepo(created.ID, created.Body, s.author); err != nil {
			s.logger.WithError(err).WithField("document_id", created.ID).Warn("app: revision repo not created")
		}
	}
	s.index(created)
	return created, nil
}

// RenameDocument changes the title. An open workspace keeps its title until
// it is reopened.
func (s *Service) RenameDocument(ctx context.Context, documentID, title string) (store.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if err := s.store.RenameDocument(ctx, documentID, title); err != nil {
		return store.Document{}, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	s.index(doc)
	return doc, nil
}

// DeleteDocument closes any open workspace without saving it, then removes the
// document and its search entry.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	if err := s.workspaces.Close(ctx, documentID); err != nil && !errors.Is(err, workspace.ErrNotFound) {
		s.logger.WithError(err).WithField("document_id", documentID).Warn("app: closing workspace before delete")
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	return nil
}

func (s *Service) CreateFolder(ctx context.Context, input CreateFolderInput) (store.Folder, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Folder{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	folder := store.Folder{ID: util.NewID("fld"), Name: name, SortOrder: input.SortOrder, CreatedAt: s.now().UTC()}
	if parentID := strings.TrimSpace(input.ParentID); parentID != "" {
		folder.ParentID = &parentID
	}
	if err := s.store.InsertFolder(ctx, folder); err != nil {
		return store.Folder{}, err
	}
	return folder, nil
}

func (s *Service) index(doc store.Document) {
	if s.search == nil {
		return
	}
	record := search.DocumentRecord{ID: doc.ID, Title: doc.Title, Body: doc.Body}
	if doc.FolderID != nil {
		record.FolderID = *doc.FolderID
	}
	s.search.IndexDocument(record)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Engine: "none"}
	}
	return s.search.Search(q)
}

func (s *Service) Workspace(ctx context.Context, documentID string) (*workspace.Workspace, error) {
	return s.workspaces.Open(ctx, documentID)
}

func (s *Service) CloseWorkspace(ctx context.Context, documentID string) error {
	return s.workspaces.Close(ctx, documentID)
}

// History lists the revision log and the recorded acceptances of a document.
func (s *Service) History(ctx context.Context, documentID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	items := make([]revisions.Revision, 0)
	if s.revisions != nil {
		revs, err := s.revisions.History(documentID, limit)
		switch {
		case errors.Is(err, revisions.ErrNoRepo):
		case err != nil:
			return nil, err
		default:
			items = revs
		}
	}
	acceptances, err := s.store.ListAcceptances(ctx, documentID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"revisions": items, "acceptances": acceptances}, nil
}

// RevisionContent returns the body stored at a revision of the document.
func (s *Service) RevisionContent(ctx context.Context, documentID, hash string) (map[string]any, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	if s.revisions == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}
	body, err := s.revisions.ContentAt(documentID, hash)
	if errors.Is(err, revisions.ErrNoRepo) || errors.Is(err, revisions.ErrUnknownRevision) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"hash": hash, "body": body}, nil
}

// Export renders the open workspace. With Archive set the rendered file is
// uploaded and a link returned instead.
func (s *Service) Export(ctx context.Context, documentID string, input ExportInput) (*export.Result, string, error) {
	if s.exporter == nil {
		return nil, "", domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	format, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(input.Format)))
	if err != nil {
		return nil, "", err
	}
	ws, err := s.workspaces.Open(ctx, documentID)
	if err != nil {
		return nil, "", err
	}
	st, err := ws.State(ctx)
	if err != nil {
		return nil, "", err
	}
	req := export.Request{
		DocumentID:        st.DocumentID,
		Title:             st.Title,
		Format:            format,
		Text:              st.Text,
		Decorations:       st.Decorations,
		Turns:             st.Turns,
		IncludeTranscript: input.IncludeTranscript,
		GeneratedAt:       s.now().UTC(),
	}
	if input.Archive {
		link, err := s.exporter.Archive(ctx, req)
		return nil, link, err
	}
	result, err := s.exporter.Export(ctx, req)
	return result, "", err
}
