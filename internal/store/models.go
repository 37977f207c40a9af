package store

import "time"

// Document is the metadata row of a document. The content itself lives in
// the operation log and snapshots; Title, Excerpt, Revision and BlockCount
// are a summary refreshed at each checkpoint.
type Document struct {
	ID         string
	Title      string
	Excerpt    string
	Revision   uint64
	BlockCount int
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Starred and Collaborators are filled in per viewer by ListDocuments.
	Starred       bool
	Collaborators []string
}

// ListFilter narrows ListDocuments.
type ListFilter string

const (
	FilterAll     ListFilter = "all"
	FilterStarred ListFilter = "starred"
	// FilterShared keeps documents with more than one member.
	FilterShared ListFilter = "shared"
)

// ParseListFilter accepts the empty string as FilterAll.
func ParseListFilter(v string) (ListFilter, bool) {
	switch f := ListFilter(v); f {
	case "":
		return FilterAll, true
	case FilterAll, FilterStarred, FilterShared:
		return f, true
	}
	return "", false
}

type Member struct {
	DocumentID  string
	UserID      string
	DisplayName string
	Role        string
	AddedAt     time.Time
}

// BlockText is the plain-text copy of one visible block.
type BlockText struct {
	BlockID string
	Ordinal int
	Kind    string
	Content string
}

// Summary is what a checkpoint writes back to the metadata store.
type Summary struct {
	Title      string
	Excerpt    string
	Revision   uint64
	BlockCount int
	Blocks     []BlockText
}
