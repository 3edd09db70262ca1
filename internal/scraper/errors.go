package scraper

import "errors"

var (
	// ErrSessionInit signals that a browser session could not be created.
	ErrSessionInit = errors.New("session init failed")
	// ErrSessionInvalid signals that a session died mid-use and must be replaced.
	ErrSessionInvalid = errors.New("session is no longer usable")
	// ErrNavigation signals a page that failed to load within its timeout.
	ErrNavigation = errors.New("navigation failed")
	// ErrElementNotFound signals that no element matched a selector.
	ErrElementNotFound = errors.New("element not found")
	// ErrRateLimited signals that an enrichment lookup was throttled upstream.
	ErrRateLimited = errors.New("rate limited")
	// ErrNoResults signals that the first results page held no links.
	ErrNoResults = errors.New("no results on first page")
	// ErrNoSessions signals that no worker ever obtained a session.
	ErrNoSessions = errors.New("no browser session could be opened")
)
