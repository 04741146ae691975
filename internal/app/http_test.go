package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"inkwell/api/internal/backend"
	"inkwell/api/internal/export"
	"inkwell/api/internal/logging"
	"inkwell/api/internal/revisions"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/workspace"
)

type fakeStore struct {
	mu          sync.Mutex
	docs        map[string]store.Document
	folders     []store.Folder
	acceptances []store.Acceptance
	pingErr     error
	getErr      error
}

func newFakeStore(docs ...store.Document) *fakeStore {
	f := &fakeStore{docs: make(map[string]store.Document)}
	for _, doc := range docs {
		f.docs[doc.ID] = doc
	}
	return f
}

func (f *fakeStore) ListDocuments(_ context.Context, _ string) ([]store.DocumentSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.DocumentSummary, 0, len(f.docs))
	for _, doc := range f.docs {
		out = append(out, store.DocumentSummary{ID: doc.ID, Title: doc.Title, FolderID: doc.FolderID, UpdatedAt: doc.UpdatedAt})
	}
	return out, nil
}

func (f *fakeStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return store.Document{}, f.getErr
	}
	doc, ok := f.docs[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) InsertDocument(_ context.Context, doc store.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc.Version = 1
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeStore) UpdateDocumentBody(_ context.Context, id, body string, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.docs[id]
	doc.Body = body
	doc.Version = version
	f.docs[id] = doc
	return nil
}

func (f *fakeStore) InsertAcceptance(_ context.Context, a store.Acceptance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acceptances = append(f.acceptances, a)
	return nil
}

func (f *fakeStore) RenameDocument(_ context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return store.ErrNotFound
	}
	doc.Title = title
	f.docs[id] = doc
	return nil
}

func (f *fakeStore) DeleteDocument(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeStore) ListFolders(context.Context) ([]store.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Folder{}, f.folders...), nil
}

func (f *fakeStore) InsertFolder(_ context.Context, folder store.Folder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders = append(f.folders, folder)
	return nil
}

func (f *fakeStore) ListAcceptances(_ context.Context, _ string, _ int) ([]store.Acceptance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Acceptance{}, f.acceptances...), nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeSearch struct {
	queries []search.Query
	indexed []string
	deleted []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{}, Query: q.Text, Engine: "fake"}
}

func (f *fakeSearch) IndexDocument(doc search.DocumentRecord) { f.indexed = append(f.indexed, doc.ID) }

func (f *fakeSearch) DeleteDocument(id string) { f.deleted = append(f.deleted, id) }

type fakeRevisions struct{}

func (fakeRevisions) EnsureRepo(string, string, string) error { return nil }

func (fakeRevisions) History(string, int) ([]revisions.Revision, error) {
	return nil, revisions.ErrNoRepo
}

func (fakeRevisions) ContentAt(string, string) (string, error) {
	return "", revisions.ErrNoRepo
}

type fakeExporter struct {
	last export.Request
}

func (f *fakeExporter) Export(_ context.Context, req export.Request) (*export.Result, error) {
	f.last = req
	return &export.Result{Data: []byte("<h1>" + req.Title + "</h1>"), Filename: "Draft.html", MimeType: "text/html; charset=utf-8"}, nil
}

func (f *fakeExporter) Archive(_ context.Context, req export.Request) (string, error) {
	f.last = req
	return "https://files.example/exports/Draft.html", nil
}

// echoClient answers every conversational request at once.
type echoClient struct{}

func (echoClient) Chat(_ context.Context, req backend.ChatRequest) (backend.ChatResponse, error) {
	return backend.ChatResponse{DialogueText: "You asked: " + req.Message}, nil
}

func (echoClient) Suggest(context.Context, backend.SuggestRequest) (backend.SuggestResponse, error) {
	return backend.SuggestResponse{}, errors.New("not used")
}

func (echoClient) AcceptSuggestion(context.Context, backend.AcceptRequest) (backend.AcceptResponse, error) {
	return backend.AcceptResponse{}, errors.New("not used")
}

func (echoClient) AnalyzeVoice(context.Context, backend.VoiceRequest) (backend.VoiceResponse, error) {
	return backend.VoiceResponse{}, nil
}

type testEnv struct {
	server   *HTTPServer
	store    *fakeStore
	search   *fakeSearch
	exporter *fakeExporter
	registry *workspace.Registry
}

func newTestEnv(t *testing.T, checks map[string]Check) *testEnv {
	t.Helper()
	logger := logging.Discard()
	env := &testEnv{
		store: newFakeStore(store.Document{
			ID:      "doc_1",
			Title:   "Chapter One",
			Body:    "The quick brown fox jumps over the lazy dog.",
			Version: 3,
		}),
		search:   &fakeSearch{},
		exporter: &fakeExporter{},
	}
	env.registry = workspace.NewRegistry(workspace.Config{
		Author:         "Avery Quinn",
		BackendTimeout: time.Second,
		RevealInterval: time.Millisecond,
		RevealChunk:    64,
	}, workspace.RegistryDeps{
		Deps:   workspace.Deps{Client: echoClient{}, Documents: env.store, Logger: logger},
		Loader: env.store,
	})
	t.Cleanup(func() { _ = env.registry.CloseAll(context.Background()) })

	svc := New(Options{
		Store:      env.store,
		Search:     env.search,
		Revisions:  fakeRevisions{},
		Exporter:   env.exporter,
		Workspaces: env.registry,
		Checks:     checks,
		Author:     "Avery Quinn",
		Logger:     logger,
	})
	env.server = NewHTTPServer(svc, "*", logger)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, decode(t, rr)["ok"])
	require.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestReadyEndpointReportsFailingCheck(t *testing.T) {
	env := newTestEnv(t, map[string]Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	rr := env.do(t, http.MethodGet, "/api/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	payload := decode(t, rr)
	require.Equal(t, "not_ready", payload["status"])
	checks := payload["checks"].(map[string]any)
	require.Equal(t, "ok", checks["database"].(map[string]any)["status"])
	require.Equal(t, "connection refused", checks["redis"].(map[string]any)["error"])
}

func TestReadyEndpointWhenHealthy(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/ready", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ready", decode(t, rr)["status"])
}

func TestPreflightReturnsNoContent(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodOptions, "/api/workspaces/doc_1/messages", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestCreateDocumentRequiresTitle(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/documents", `{"title":"  ","body":"text"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "VALIDATION_ERROR", decode(t, rr)["code"])

	rr = env.do(t, http.MethodPost, "/api/documents", `{not json`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "INVALID_BODY", decode(t, rr)["code"])
}

func TestCreateAndListDocuments(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/documents", `{"title":"Chapter Two","body":"It was raining."}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	doc := decode(t, rr)["document"].(map[string]any)
	require.Equal(t, "Chapter Two", doc["title"])
	require.True(t, strings.HasPrefix(doc["id"].(string), "doc"))
	require.Contains(t, env.search.indexed, doc["id"])

	rr = env.do(t, http.MethodGet, "/api/documents", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decode(t, rr)["documents"], 2)
}

func TestRenameFolderAndDelete(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/folders", `{"name":"Drafts"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	folder := decode(t, rr)["folder"].(map[string]any)
	require.Equal(t, "Drafts", folder["name"])

	rr = env.do(t, http.MethodPatch, "/api/documents/doc_1", `{"title":""}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodPatch, "/api/documents/doc_1", `{"title":"Prologue"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "Prologue", decode(t, rr)["document"].(map[string]any)["title"])

	rr = env.do(t, http.MethodPost, "/api/workspaces/doc_1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/documents/doc_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"doc_1"}, env.search.deleted)
	require.Empty(t, env.registry.OpenIDs())

	rr = env.do(t, http.MethodDelete, "/api/documents/doc_1", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRevisionContentWithoutRepository(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/workspaces/doc_1/history/abc1234", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/search", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/search?q=fox&type=document&limit=5&offset=-2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, env.search.queries, 1)
	q := env.search.queries[0]
	require.Equal(t, "fox", q.Text)
	require.Equal(t, search.ResultType("document"), q.FilterType)
	require.Equal(t, 5, q.Limit)
	require.Equal(t, 0, q.Offset)
}

func TestOpenUnknownWorkspace(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/api/workspaces/missing", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "NOT_FOUND", decode(t, rr)["code"])
}

func TestOpenWorkspaceWithDatabaseDown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.mu.Lock()
	env.store.getErr = errors.New("dial tcp: connection refused")
	env.store.mu.Unlock()

	rr := env.do(t, http.MethodPost, "/api/workspaces/doc_1", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode(t, rr)
	require.Equal(t, "UNAVAILABLE", body["code"])
	require.Equal(t, map[string]any{"step": "load document"}, body["details"])
}

func TestWorkspaceConversationFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/workspaces/doc_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	st := decode(t, rr)
	require.Equal(t, "Chapter One", st["title"])
	require.Equal(t, "chat", st["mode"])

	rr = env.do(t, http.MethodPost, "/api/workspaces/doc_1/messages", `{"text":"   "}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/workspaces/doc_1/messages", `{"text":"Is the opening strong?"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.EqualValues(t, 1, decode(t, rr)["sequenceId"])

	require.Eventually(t, func() bool {
		st := decode(t, env.do(t, http.MethodGet, "/api/workspaces/doc_1", ""))
		turns := st["turns"].([]any)
		if len(turns) != 2 || st["revealing"] != nil {
			return false
		}
		return turns[1].(map[string]any)["content"] == "You asked: Is the opening strong?"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkspaceEditsAndValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/workspaces/doc_1/edits", `{"ops":[{"pos":4,"delete":5,"insert":"slow"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualValues(t, 1, decode(t, rr)["version"])

	rr = env.do(t, http.MethodPost, "/api/workspaces/doc_1/edits", `{"ops":[{"pos":400,"delete":1}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "OUT_OF_BOUNDS", decode(t, rr)["code"])

	rr = env.do(t, http.MethodPut, "/api/workspaces/doc_1/mode", `{"mode":"poetry"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.do(t, http.MethodPut, "/api/workspaces/doc_1/mode", `{"mode":"co-edit"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/workspaces/doc_1/suggestions/opt_1/accept", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "NO_SUGGESTIONS", decode(t, rr)["code"])

	st := decode(t, env.do(t, http.MethodGet, "/api/workspaces/doc_1", ""))
	require.Equal(t, "The slow brown fox jumps over the lazy dog.", st["text"])
	require.Equal(t, "co-edit", st["mode"])

	rr = env.do(t, http.MethodDelete, "/api/workspaces/doc_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	doc, err := env.store.GetDocument(context.Background(), "doc_1")
	require.NoError(t, err)
	require.Equal(t, "The slow brown fox jumps over the lazy dog.", doc.Body)
	require.EqualValues(t, 4, doc.Version)

	rr = env.do(t, http.MethodDelete, "/api/workspaces/doc_1", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestExportEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/workspaces/doc_1/export?format=docx", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "UNSUPPORTED_FORMAT", decode(t, rr)["code"])

	rr = env.do(t, http.MethodGet, "/api/workspaces/doc_1/export?format=html&transcript=true", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="Draft.html"`, rr.Header().Get("Content-Disposition"))
	require.Equal(t, "<h1>Chapter One</h1>", rr.Body.String())
	require.True(t, env.exporter.last.IncludeTranscript)

	rr = env.do(t, http.MethodGet, "/api/workspaces/doc_1/export?format=html&archive=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "https://files.example/exports/Draft.html", decode(t, rr)["url"])
}

func TestHistoryWithoutRepository(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/workspaces/doc_1/history?limit=10", "")
	require.Equal(t, http.StatusOK, rr.Code)
	payload := decode(t, rr)
	require.Empty(t, payload["revisions"])
	require.Empty(t, payload["acceptances"])
}

func TestStreamSendsStateThenEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/workspaces/doc_1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first struct {
		Topic string         `json:"topic"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "state", first.Topic)
	require.Equal(t, "doc_1", first.Data["documentId"])

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/workspaces/doc_1/mode", strings.NewReader(`{"mode":"co-edit"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var next struct {
		Topic string         `json:"topic"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&next))
	require.Equal(t, "mode.changed", next.Topic)
}

func TestMapErrorFallsBackToServerError(t *testing.T) {
	status, code, _, _ := mapError(errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "SERVER_ERROR", code)

	status, code, _, _ = mapError(domainError(http.StatusTeapot, "TEAPOT", "short and stout", nil))
	require.Equal(t, http.StatusTeapot, status)
	require.Equal(t, "TEAPOT", code)
}

func TestMapErrorUsesErrbuilderCodes(t *testing.T) {
	cases := []struct {
		code   errbuilder.ErrCode
		status int
		name   string
	}{
		{errbuilder.CodeUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{errbuilder.CodeDeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{errbuilder.CodeFailedPrecondition, http.StatusConflict, "FAILED_PRECONDITION"},
		{errbuilder.CodeInvalidArgument, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{errbuilder.CodeInternal, http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := fmt.Errorf("handler: %w", errbuilder.New().
				WithCode(tc.code).
				WithMsg("archive export").
				WithCause(errors.New("bucket missing")))
			status, code, _, _ := mapError(err)
			require.Equal(t, tc.status, status)
			require.Equal(t, tc.name, code)
		})
	}
}

func TestMapErrorPrefersSentinelOverCode(t *testing.T) {
	err := errbuilder.New().
		WithCode(errbuilder.CodeUnavailable).
		WithMsg("load document").
		WithCause(store.ErrNotFound)
	status, code, _, _ := mapError(err)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", code)
}
