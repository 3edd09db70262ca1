package collector

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper/scrapertest"
)

const companySel = `article[data-card-type="JobCard"] a[data-automation="jobTitle"]`

func companyURL(t *testing.T, company string) string {
	t.Helper()
	u, err := BuildCompanySearchURL(searchURL, company, DefaultCompanyLocation, DefaultCompanyClassification)
	require.NoError(t, err)
	return u
}

func addCompany(t *testing.T, site *scrapertest.Site, company string, hrefs ...string) {
	t.Helper()
	p := scrapertest.Page{}
	if len(hrefs) > 0 {
		p[companySel] = scrapertest.Links(hrefs...)
	}
	site.AddPage(companyURL(t, company), p)
}

func companySearch(companies ...string) *CompanySearch {
	return NewCompanySearch(CompanyConfig{
		SearchURL:         searchURL,
		Companies:         companies,
		Location:          DefaultCompanyLocation,
		Classification:    DefaultCompanyClassification,
		MaxJobsPerCompany: 2,
		Workers:           2,
	}, nil)
}

func byCompany(batches []Batch) map[string][]string {
	out := make(map[string][]string, len(batches))
	for _, b := range batches {
		out[b.Company] = b.URLs
	}
	return out
}

func TestBuildCompanySearchURL(t *testing.T) {
	t.Parallel()

	u, err := BuildCompanySearchURL(DefaultCompanySearchURL, " Acme & Sons ", "Melbourne", "Information & Communication Technology")
	require.NoError(t, err)
	assert.Equal(t,
		"https://www.seek.com.au/jobs?advertiser=Acme+%26+Sons&classification=Information+%26+Communication+Technology&where=Melbourne",
		u)

	u, err = BuildCompanySearchURL(DefaultCompanySearchURL, "Acme", "", "")
	require.NoError(t, err)
	assert.Equal(t, "https://www.seek.com.au/jobs?advertiser=Acme", u)

	_, err = BuildCompanySearchURL(DefaultCompanySearchURL, "  ", "", "")
	require.Error(t, err)
	_, err = BuildCompanySearchURL("/jobs", "Acme", "", "")
	require.Error(t, err)
}

func TestCompanySearchCapsAndDedups(t *testing.T) {
	t.Parallel()

	site := scrapertest.NewSite()
	addCompany(t, site, "Acme", "/job/1?ref=card", "/job/1", "/job/2", "/job/3", "/about")
	addCompany(t, site, "Globex", "/job/2", "/job/4")
	addCompany(t, site, "Initech")
	prov := &scrapertest.Provider{Site: site}

	got, err := drain(companySearch("Acme", "Globex", "Initech").Links(context.Background(), prov))
	require.NoError(t, err)

	links := byCompany(got)
	require.Len(t, links, 2, "companies without links emit nothing")
	assert.Equal(t, 0, prov.Live())
	assert.LessOrEqual(t, prov.MaxLive(), 2)

	var all []string
	for company, urls := range links {
		assert.LessOrEqual(t, len(urls), 2, company)
		all = append(all, urls...)
	}
	sort.Strings(all)
	assert.Equal(t, all, dedupSorted(all), "a link appears under one company only")
	assert.Contains(t, all, "https://jobs.test/job/1")
	assert.Contains(t, all, "https://jobs.test/job/4")
	assert.NotContains(t, all, "https://jobs.test/job/3", "over the per-company cap")
	for _, b := range got {
		assert.Equal(t, 1, b.Page)
	}
}

func dedupSorted(in []string) []string {
	var out []string
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}

func TestCompanySearchSkipsFailedCompany(t *testing.T) {
	t.Parallel()

	site := scrapertest.NewSite()
	addCompany(t, site, "Acme", "/job/1")
	prov := &scrapertest.Provider{Site: site}

	// Globex has no page registered, so its navigation fails.
	got, err := drain(companySearch("Globex", "Acme").Links(context.Background(), prov))
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"Acme": {"https://jobs.test/job/1"}}, byCompany(got))
}

func TestCompanySearchReplacesLostSession(t *testing.T) {
	t.Parallel()

	site := scrapertest.NewSite()
	addCompany(t, site, "Acme", "/job/1")
	prov := &scrapertest.Provider{
		Site: site,
		Navigate: func(id int, _ string) error {
			if id == 1 {
				return scraper.ErrSessionInvalid
			}
			return nil
		},
	}
	s := NewCompanySearch(CompanyConfig{
		SearchURL:      searchURL,
		Companies:      []string{"Acme"},
		Location:       DefaultCompanyLocation,
		Classification: DefaultCompanyClassification,
		Workers:        1,
	}, nil)

	got, err := drain(s.Links(context.Background(), prov))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, prov.Opens())
	assert.Equal(t, 0, prov.Live())
}

func TestCompanySearchNoLinksIsFatal(t *testing.T) {
	t.Parallel()

	site := scrapertest.NewSite()
	addCompany(t, site, "Acme")
	got, err := drain(companySearch("Acme").Links(context.Background(), &scrapertest.Provider{Site: site}))
	require.ErrorIs(t, err, scraper.ErrNoResults)
	assert.Empty(t, got)
}

func TestCompanySearchOpenFailureIsFatal(t *testing.T) {
	t.Parallel()

	prov := &scrapertest.Provider{
		Site:    scrapertest.NewSite(),
		OpenErr: func(int) error { return errors.New("chrome missing") },
	}
	_, err := drain(companySearch("Acme").Links(context.Background(), prov))
	require.ErrorIs(t, err, scraper.ErrSessionInit)
}

func TestCollectorLinksOwnsSession(t *testing.T) {
	t.Parallel()

	site := scrapertest.NewSite()
	addResults(t, site, 1, false, "/job/1")
	prov := &scrapertest.Provider{Site: site}

	got, err := drain(New(Config{SearchURL: searchURL}, nil).Links(context.Background(), prov))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Company)
	assert.Equal(t, 1, prov.Opens())
	assert.Equal(t, 0, prov.Live())
}
