// Package syncer keeps the corpus store in step with its external sources.
// Incremental sync fetches documents changed since the last successful run;
// deletion detection enumerates all current source ids and soft-deletes the
// difference. Sources never push; the engine always pulls.
package syncer

import (
	"context"
	"time"
)

// RawDocument is a document as fetched from a source, before storage.
type RawDocument struct {
	// Key is the globally unique document key ("<source>-<native id>").
	Key string
	// Source is the source system name ("jira", "confluence").
	Source string
	// Title is the document title.
	Title string
	// URL is the canonical link back to the source.
	URL string
	// Content is the assembled plain-text content.
	Content string
	// Author is the source-side author display name.
	Author string
	// UpdatedAt is the source-side last-modified time.
	UpdatedAt time.Time
	// Metadata holds free-form source metadata.
	Metadata map[string]string
}

// Source is a pull-based external document source.
type Source interface {
	// Name identifies the source ("jira", "confluence").
	Name() string
	// FetchChangedSince returns documents created or modified after since.
	// A zero since means fetch everything.
	FetchChangedSince(ctx context.Context, since time.Time) ([]RawDocument, error)
	// FetchAllCurrentIDs enumerates the keys of every document currently
	// present in the source. Used for deletion detection by set difference.
	FetchAllCurrentIDs(ctx context.Context) (map[string]struct{}, error)
}
