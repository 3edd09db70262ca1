// Package extract turns a loaded job detail page into an accepted or excluded
// outcome.
package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// Selector lists for the detail page. The first selector with a match wins.
var (
	TitleSelectors          = []string{`h1[data-automation="job-detail-title"]`, `h1`}
	CompanySelectors        = []string{`[data-automation="advertiser-name"]`, `span[data-automation="advertiser-name"]`}
	CompanySizeSelectors    = []string{`[data-automation="company-size"]`, `span[data-automation="company-size"]`}
	LocationSelectors       = []string{`[data-automation="job-detail-location"]`, `span[data-automation="job-detail-location"]`}
	ClassificationSelectors = []string{`[data-automation="job-detail-classifications"]`, `a[data-automation="job-detail-classifications"]`}
	WorkTypeSelectors       = []string{`[data-automation="job-detail-work-type"]`, `span[data-automation="job-detail-work-type"]`}
	SalarySelectors         = []string{`[data-automation="job-detail-salary"]`, `span[data-automation="job-detail-salary"]`}
	PostedSelectors         = []string{`[data-automation="job-detail-date"]`, `span[data-automation="job-detail-date"]`}
	DetailsSelector         = `[data-automation="jobAdDetails"]`
	profileSizeSelector     = `[data-automation="company-profile"] span, [data-automation="advertiser-profile"] span`
)

// Placeholder used when a required header field is missing from the page.
const notAvailable = "N/A"

var (
	postedPattern      = regexp.MustCompile(`(?i)posted\s+\d+\s*[a-z]+\s+ago`)
	salaryRangePattern = regexp.MustCompile(`(?i)\$\s?[\d,.]+k?\s*(?:-|–|to)\s*\$?\s?[\d,.]+k?`)
	applicantsPattern  = regexp.MustCompile(`(?i)(\d+)\+?\s+applicants?`)
	earlyApplicant     = regexp.MustCompile(`(?i)be an early applicant`)
)

// Seek extracts records from Seek job detail pages.
type Seek struct {
	rules  []Rule
	logger *zap.Logger
}

// New builds an extractor that applies rules in order.
func New(rules []Rule, logger *zap.Logger) *Seek {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seek{rules: rules, logger: logger}
}

// Extract implements scraper.Extractor.
func (s *Seek) Extract(ctx context.Context, sess scraper.Session, url string) (scraper.Outcome, error) {
	if err := sess.Navigate(ctx, url); err != nil {
		if errors.Is(err, scraper.ErrSessionInvalid) {
			return scraper.Outcome{}, err
		}
		return scraper.Outcome{}, fmt.Errorf("navigate %s: %w", url, err)
	}

	p := page{ctx: ctx, sess: sess}
	rec := scraper.Record{URL: url}
	rec.SetField(scraper.ColJobTitle, p.first(TitleSelectors, notAvailable))
	rec.SetField(scraper.ColWorkType, p.first(WorkTypeSelectors, ""))
	rec.SetField(scraper.ColCompany, p.first(CompanySelectors, notAvailable))
	size := p.companySize()
	if p.err != nil {
		return scraper.Outcome{}, p.err
	}

	if rule, ok := FirstExcluding(s.rules, Listing{Record: rec, CompanySize: size}); ok {
		s.logger.Debug("listing excluded",
			zap.String("url", url),
			zap.String("rule", rule.Name()),
			zap.String("company", rec.Company),
		)
		return scraper.Excluded(url, rule.Name()), nil
	}

	body := p.text("body")
	rec.SetField(scraper.ColLocation, p.first(LocationSelectors, ""))
	rec.SetField(scraper.ColClassification, p.first(ClassificationSelectors, ""))
	rec.SetField(scraper.ColSalary, p.salary(body))
	rec.SetField(scraper.ColTimePosted, p.posted(body))
	rec.SetField(scraper.ColApplicationVolume, ApplicationVolume(body))

	contact := ContactFromText(p.text(DetailsSelector))
	rec.SetField(scraper.ColEmail, contact.Email)
	rec.SetField(scraper.ColPhone, contact.Phone)
	rec.SetField(scraper.ColWebsite, contact.Website)
	if p.err != nil {
		return scraper.Outcome{}, p.err
	}
	return scraper.Accepted(rec), nil
}

// ApplicationVolume finds the applicant count banner in page text.
func ApplicationVolume(text string) string {
	if m := applicantsPattern.FindString(text); m != "" {
		return m
	}
	if m := earlyApplicant.FindString(text); m != "" {
		return m
	}
	return ""
}

// page wraps a session and remembers the first fatal lookup error. Missing
// elements are not fatal.
type page struct {
	ctx  context.Context
	sess scraper.Session
	err  error
}

func (p *page) find(selector string) []scraper.Element {
	if p.err != nil {
		return nil
	}
	els, err := p.sess.Find(p.ctx, selector)
	switch {
	case err == nil:
		return els
	case errors.Is(err, scraper.ErrElementNotFound):
		return nil
	case errors.Is(err, scraper.ErrSessionInvalid), p.ctx.Err() != nil:
		p.err = err
		return nil
	default:
		return nil
	}
}

func (p *page) text(selector string) string {
	for _, el := range p.find(selector) {
		if t := strings.TrimSpace(el.Text); t != "" {
			return t
		}
	}
	return ""
}

func (p *page) first(selectors []string, fallback string) string {
	for _, sel := range selectors {
		if t := p.text(sel); t != "" {
			return t
		}
	}
	return fallback
}

func (p *page) companySize() string {
	if s := p.first(CompanySizeSelectors, ""); s != "" {
		return s
	}
	for _, el := range p.find(profileSizeSelector) {
		lower := strings.ToLower(el.Text)
		if strings.Contains(lower, "employee") || strings.Contains(lower, "staff") {
			return strings.TrimSpace(el.Text)
		}
	}
	return ""
}

func (p *page) salary(body string) string {
	if s := p.first(SalarySelectors, ""); s != "" {
		return s
	}
	return salaryRangePattern.FindString(body)
}

func (p *page) posted(body string) string {
	if m := postedPattern.FindString(body); m != "" {
		return m
	}
	return p.first(PostedSelectors, "")
}
