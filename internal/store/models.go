package store

import "time"

type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  *string   `json:"parentId,omitempty"`
	SortOrder int       `json:"sortOrder"`
	CreatedAt time.Time `json:"createdAt"`
}

// Document is the persisted form of a workspace buffer. Version mirrors the
// buffer version at the time of the last save.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	FolderID  *string   `json:"folderId,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DocumentSummary is a list row without the body.
type DocumentSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	FolderID  *string   `json:"folderId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Acceptance records one accepted suggestion. Rows are append-only.
type Acceptance struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"documentId"`
	BatchID      string    `json:"batchId"`
	OptionID     string    `json:"optionId"`
	OriginalText string    `json:"originalText"`
	AppliedText  string    `json:"appliedText"`
	Category     string    `json:"category"`
	RangeStart   int       `json:"rangeStart"`
	RangeEnd     int       `json:"rangeEnd"`
	Strategy     string    `json:"strategy"`
	Revision     string    `json:"revision"`
	AcceptedAt   time.Time `json:"acceptedAt"`
}
