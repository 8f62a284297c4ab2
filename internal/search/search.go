package search

import "errors"

// ErrUnavailable is returned when no healthy index can serve a query.
var ErrUnavailable = errors.New("search unavailable")

// LoopRecord is the data indexed for a loop. Access control is applied by the
// caller after the search, so member lists are not indexed.
type LoopRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	TeamID    string `json:"teamId"`
	ProjectID string `json:"projectId"`
}

// Result is a single search hit.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

type Query struct {
	Text            string
	FilterTeamID    string
	IncludeArchived bool
	Limit           int
	Offset          int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Index is a full-text index of loops.
type Index interface {
	Search(q Query) ([]Result, int, error)
	IndexLoop(loop LoopRecord) error
	DeleteLoop(id string) error
	Healthy() bool
}
