package collector

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultSearchURL lists ICT jobs across Melbourne.
const DefaultSearchURL = "https://www.seek.com.au/information-communication-technology-jobs/in-All-Melbourne-VIC"

// EstimatedJobsPerPage is used only to log a page estimate.
const EstimatedJobsPerPage = 20

// BuildSearchURL returns the results url for page, 1-indexed.
func BuildSearchURL(base string, page int, sortByDate bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("search url %q must be absolute", base)
	}
	q := u.Query()
	if sortByDate {
		q.Set("sortmode", "ListedDate")
	}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	} else {
		q.Del("page")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Canonicalize resolves href against base and drops the query and fragment.
func Canonicalize(base, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base != "" {
		b, err := url.Parse(base)
		if err == nil {
			ref = b.ResolveReference(ref)
		}
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	ref.RawQuery = ""
	ref.ForceQuery = false
	ref.Fragment = ""
	ref.RawFragment = ""
	return ref.String(), true
}

// EstimatePages returns the number of result pages likely needed to reach
// endJob.
func EstimatePages(endJob int) int {
	if endJob <= 0 {
		return 0
	}
	return (endJob + EstimatedJobsPerPage - 1) / EstimatedJobsPerPage
}

// Range is an inclusive, 1-indexed window over discovery order. A zero End
// means unbounded.
type Range struct {
	Start int
	End   int
}

// Contains reports whether seq falls within r.
func (r Range) Contains(seq int) bool {
	start := r.Start
	if start < 1 {
		start = 1
	}
	if seq < start {
		return false
	}
	return r.End <= 0 || seq <= r.End
}

// Done reports whether no seq at or after seq can fall within r.
func (r Range) Done(seq int) bool {
	return r.End > 0 && seq > r.End
}
