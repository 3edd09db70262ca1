// Package scraper defines the shared types and collaborator contracts used by
// the job-board scraping pipeline.
package scraper

import "strings"

// WorkItem is one detail url queued for extraction.
type WorkItem struct {
	// URL is the identity of the item.
	URL string
	// Seq is the 1-indexed discovery order, used for progress output only.
	Seq int
	// Company is the advertiser searched for when the url came from a
	// company search. Empty otherwise.
	Company string
}

// Column names of the exported sheet, in output order.
const (
	ColJobTitle          = "job_title"
	ColCompany           = "company"
	ColLocation          = "location"
	ColClassification    = "classification"
	ColWorkType          = "work_type"
	ColSalary            = "salary"
	ColTimePosted        = "time_posted"
	ColApplicationVolume = "application_volume"
	ColEmail             = "email"
	ColPhone             = "phone"
	ColOfficePhone       = "office_phone"
	ColWebsite           = "website"
	ColURL               = "url"
)

// Columns is the fixed column order of every exported sheet.
var Columns = []string{
	ColJobTitle,
	ColCompany,
	ColLocation,
	ColClassification,
	ColWorkType,
	ColSalary,
	ColTimePosted,
	ColApplicationVolume,
	ColEmail,
	ColPhone,
	ColOfficePhone,
	ColWebsite,
	ColURL,
}

// Record holds the fields extracted for one accepted listing.
type Record struct {
	JobTitle          string
	Company           string
	Location          string
	Classification    string
	WorkType          string
	Salary            string
	TimePosted        string
	ApplicationVolume string
	Email             string
	Phone             string
	// OfficePhone is filled by enrichment, not by the listing itself.
	OfficePhone string
	Website     string
	URL         string
}

// Field returns the value stored under the named column.
func (r Record) Field(col string) string {
	switch col {
	case ColJobTitle:
		return r.JobTitle
	case ColCompany:
		return r.Company
	case ColLocation:
		return r.Location
	case ColClassification:
		return r.Classification
	case ColWorkType:
		return r.WorkType
	case ColSalary:
		return r.Salary
	case ColTimePosted:
		return r.TimePosted
	case ColApplicationVolume:
		return r.ApplicationVolume
	case ColEmail:
		return r.Email
	case ColPhone:
		return r.Phone
	case ColOfficePhone:
		return r.OfficePhone
	case ColWebsite:
		return r.Website
	case ColURL:
		return r.URL
	default:
		return ""
	}
}

// SetField stores value under the named column. Unknown columns are ignored.
func (r *Record) SetField(col, value string) {
	value = strings.TrimSpace(value)
	switch col {
	case ColJobTitle:
		r.JobTitle = value
	case ColCompany:
		r.Company = value
	case ColLocation:
		r.Location = value
	case ColClassification:
		r.Classification = value
	case ColWorkType:
		r.WorkType = value
	case ColSalary:
		r.Salary = value
	case ColTimePosted:
		r.TimePosted = value
	case ColApplicationVolume:
		r.ApplicationVolume = value
	case ColEmail:
		r.Email = value
	case ColPhone:
		r.Phone = value
	case ColOfficePhone:
		r.OfficePhone = value
	case ColWebsite:
		r.Website = value
	case ColURL:
		r.URL = value
	}
}

// Values returns the record's fields in Columns order.
func (r Record) Values() []string {
	out := make([]string, len(Columns))
	for i, col := range Columns {
		out[i] = r.Field(col)
	}
	return out
}

// OutcomeKind tags the result of processing one WorkItem.
type OutcomeKind int

// Supported outcome kinds. The zero value marks an unfilled slot.
const (
	OutcomeUnset OutcomeKind = iota
	OutcomeAccepted
	OutcomeExcluded
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeExcluded:
		return "excluded"
	case OutcomeFailed:
		return "failed"
	default:
		return "unset"
	}
}

// Outcome is the tagged result of one WorkItem.
type Outcome struct {
	Kind OutcomeKind
	// Record is the extracted record when accepted, or a url-only
	// placeholder otherwise.
	Record Record
	// Reason names the exclusion rule or the failure.
	Reason string
}

// Accepted wraps an extracted record.
func Accepted(rec Record) Outcome {
	return Outcome{Kind: OutcomeAccepted, Record: rec}
}

// Excluded marks url as filtered by the named rule.
func Excluded(url, rule string) Outcome {
	return Outcome{Kind: OutcomeExcluded, Record: Record{URL: url}, Reason: rule}
}

// Failed yields the empty placeholder used when url could not be processed.
func Failed(url string, err error) Outcome {
	reason := "unknown failure"
	if err != nil {
		reason = err.Error()
	}
	return Outcome{Kind: OutcomeFailed, Record: Record{URL: url}, Reason: reason}
}

// IsAccepted reports whether the outcome carries an exportable record.
func (o Outcome) IsAccepted() bool { return o.Kind == OutcomeAccepted }

// AcceptedRecords returns the records of accepted outcomes, keeping order.
func AcceptedRecords(outcomes []Outcome) []Record {
	out := make([]Record, 0, len(outcomes))
	for _, o := range outcomes {
		if o.IsAccepted() {
			out = append(out, o.Record)
		}
	}
	return out
}
