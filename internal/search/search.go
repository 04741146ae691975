package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument   ResultType = "document"
	ResultAcceptance ResultType = "acceptance"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	FolderID   string     `json:"folderId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterFolderID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	Healthy() bool
	IndexDocument(doc DocumentRecord) error
	IndexAcceptance(a AcceptanceRecord) error
	DeleteDocument(id string) error
	IndexDocuments(documents []DocumentRecord) error
	IndexAcceptances(acceptances []AcceptanceRecord) error
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	FolderID string `json:"folderId"`
}

// AcceptanceRecord is the data we index for an accepted suggestion.
type AcceptanceRecord struct {
	ID           string `json:"id"`
	DocumentID   string `json:"documentId"`
	FolderID     string `json:"folderId"`
	OriginalText string `json:"originalText"`
	AppliedText  string `json:"appliedText"`
	Category     string `json:"category"`
}
