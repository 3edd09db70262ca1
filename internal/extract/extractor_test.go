package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper/scrapertest"
)

const jobURL = "https://www.seek.com.au/job/123"

func detailPage(company, workType, size string) scrapertest.Page {
	p := scrapertest.Page{
		`h1[data-automation="job-detail-title"]`:         scrapertest.Text("Platform Engineer"),
		`[data-automation="advertiser-name"]`:            scrapertest.Text(company),
		`[data-automation="job-detail-location"]`:        scrapertest.Text("Richmond, Melbourne VIC"),
		`[data-automation="job-detail-classifications"]`: scrapertest.Text("Engineering - Software"),
		`[data-automation="job-detail-work-type"]`:       scrapertest.Text(workType),
		`[data-automation="jobAdDetails"]`:               scrapertest.Text("Email careers@acme.com.au or call 0412 345 678. See https://acme.com.au"),
	}
	p["body"] = scrapertest.Text("Platform Engineer Posted 3d ago $120k - $140k 12 applicants")
	if size != "" {
		p[`[data-automation="company-size"]`] = scrapertest.Text(size)
	}
	return p
}

func newSession(t *testing.T, p scrapertest.Page) *scrapertest.Session {
	t.Helper()
	site := scrapertest.NewSite()
	site.AddPage(jobURL, p)
	return scrapertest.NewSession(site)
}

func TestExtractAccepted(t *testing.T) {
	t.Parallel()

	ex := New(BuildRules(DefaultRulesConfig()), nil)
	out, err := ex.Extract(context.Background(), newSession(t, detailPage("Acme Pty Ltd", "Full time", "11-50 employees")), jobURL)
	require.NoError(t, err)
	require.Equal(t, scraper.OutcomeAccepted, out.Kind)

	rec := out.Record
	assert.Equal(t, jobURL, rec.URL)
	assert.Equal(t, "Platform Engineer", rec.JobTitle)
	assert.Equal(t, "Acme Pty Ltd", rec.Company)
	assert.Equal(t, "Richmond, Melbourne VIC", rec.Location)
	assert.Equal(t, "Engineering - Software", rec.Classification)
	assert.Equal(t, "Full time", rec.WorkType)
	assert.Equal(t, "$120k - $140k", rec.Salary)
	assert.Equal(t, "Posted 3d ago", rec.TimePosted)
	assert.Equal(t, "12 applicants", rec.ApplicationVolume)
	assert.Equal(t, "careers@acme.com.au", rec.Email)
	assert.Equal(t, "0412 345 678", rec.Phone)
	assert.Equal(t, "https://acme.com.au", rec.Website)
	assert.Empty(t, rec.OfficePhone)
}

func TestExtractExclusions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		company  string
		workType string
		size     string
		rule     string
	}{
		{name: "contract role", company: "Acme", workType: "Contract/Temp", rule: RuleWorkType},
		{name: "missing work type", company: "Acme", workType: "", rule: RuleWorkType},
		{name: "recruiter", company: "Hays Specialist Recruitment", workType: "Full time", rule: RuleRecruiter},
		{name: "recruiter with accents", company: "HUDSÓN Global", workType: "Part time", rule: RuleRecruiter},
		{name: "large company", company: "BigCo", workType: "Full time", size: "1,000-5,000 employees", rule: RuleLargeCompany},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ex := New(BuildRules(DefaultRulesConfig()), nil)
			out, err := ex.Extract(context.Background(), newSession(t, detailPage(tc.company, tc.workType, tc.size)), jobURL)
			require.NoError(t, err)
			assert.Equal(t, scraper.OutcomeExcluded, out.Kind)
			assert.Equal(t, tc.rule, out.Reason)
			assert.Equal(t, jobURL, out.Record.URL)
		})
	}
}

func TestExtractWithoutRulesKeepsEverything(t *testing.T) {
	t.Parallel()

	ex := New(nil, nil)
	out, err := ex.Extract(context.Background(), newSession(t, detailPage("Hays", "Contract", "10,000+")), jobURL)
	require.NoError(t, err)
	assert.True(t, out.IsAccepted())
}

func TestExtractMissingFieldsUsePlaceholders(t *testing.T) {
	t.Parallel()

	ex := New(nil, nil)
	out, err := ex.Extract(context.Background(), newSession(t, scrapertest.Page{}), jobURL)
	require.NoError(t, err)
	require.True(t, out.IsAccepted())
	assert.Equal(t, "N/A", out.Record.JobTitle)
	assert.Equal(t, "N/A", out.Record.Company)
	assert.Empty(t, out.Record.Salary)
}

func TestExtractNavigationErrors(t *testing.T) {
	t.Parallel()

	ex := New(nil, nil)
	sess := newSession(t, detailPage("Acme", "Full time", ""))

	_, err := ex.Extract(context.Background(), sess, "https://www.seek.com.au/job/missing")
	require.ErrorIs(t, err, scraper.ErrNavigation)
	assert.False(t, errors.Is(err, scraper.ErrSessionInvalid))

	require.NoError(t, sess.Close())
	_, err = ex.Extract(context.Background(), sess, jobURL)
	require.ErrorIs(t, err, scraper.ErrSessionInvalid)
}

func TestRecruiterRule(t *testing.T) {
	t.Parallel()

	r := NewRecruiterRule([]string{"Randstad"})
	assert.True(t, r.Excludes(Listing{Record: scraper.Record{Company: "randstad digital"}}))
	assert.False(t, r.Excludes(Listing{Record: scraper.Record{Company: "N/A"}}))
	assert.False(t, r.Excludes(Listing{Record: scraper.Record{Company: "Acme"}}))
}

func TestParseCompanySize(t *testing.T) {
	t.Parallel()

	n, ok := ParseCompanySize("5,000+ employees")
	require.True(t, ok)
	assert.Equal(t, 5000, n)

	n, ok = ParseCompanySize("101-1,000 employees")
	require.True(t, ok)
	assert.Equal(t, 101, n)

	_, ok = ParseCompanySize("unknown")
	assert.False(t, ok)

	assert.False(t, CompanySizeRule{Max: 1000}.Excludes(Listing{CompanySize: "101-1,000 employees"}))
	assert.True(t, CompanySizeRule{Max: 1000}.Excludes(Listing{CompanySize: "1000-5000"}))
}

func TestBuildRulesOrder(t *testing.T) {
	t.Parallel()

	rules := BuildRules(DefaultRulesConfig())
	require.Len(t, rules, 3)
	assert.Equal(t, RuleWorkType, rules[0].Name())
	assert.Equal(t, RuleRecruiter, rules[1].Name())
	assert.Equal(t, RuleLargeCompany, rules[2].Name())

	assert.Empty(t, BuildRules(RulesConfig{}))
}
