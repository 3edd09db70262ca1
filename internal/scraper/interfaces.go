package scraper

import (
	"context"
	"time"
)

// Element is a snapshot of one matched DOM node.
type Element struct {
	Text  string
	Attrs map[string]string
}

// Attr returns the named attribute or "".
func (e Element) Attr(name string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

// Session is one isolated browsing context.
type Session interface {
	// Navigate loads url and waits for the document to settle.
	Navigate(ctx context.Context, url string) error
	// Find returns every element matching the CSS selector on the current page.
	// It returns ErrElementNotFound when nothing matches.
	Find(ctx context.Context, selector string) ([]Element, error)
	// Click activates the first element matching selector and waits for the
	// resulting page to settle.
	Click(ctx context.Context, selector string) error
	// Close releases the session. It is safe to call more than once.
	Close() error
}

// SessionProvider creates sessions.
type SessionProvider interface {
	Open(ctx context.Context) (Session, error)
}

// Extractor turns a detail url into an Outcome. Returned outcomes are either
// accepted or excluded; errors cover session loss and page failures.
type Extractor interface {
	Extract(ctx context.Context, sess Session, url string) (Outcome, error)
}

// Enricher looks up a contact phone for an organization.
type Enricher interface {
	Lookup(ctx context.Context, organization, location string) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
