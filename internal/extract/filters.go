package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// Listing is what exclusion rules see: the extracted record plus page facts
// that are not exported.
type Listing struct {
	Record      scraper.Record
	CompanySize string
}

// Rule decides whether a listing is filtered out of the export.
type Rule interface {
	Name() string
	Excludes(l Listing) bool
}

// DefaultRecruiters is the built-in list of recruitment agencies.
var DefaultRecruiters = []string{
	"Hays Technology",
	"Hays",
	"Robert Half Technology",
	"Robert Half",
	"Michael Page Technology",
	"Michael Page",
	"Paxus",
	"Talent",
	"Peoplebank",
	"Finite IT",
	"Greythorn",
	"Halcyon Knights",
	"Lanson Partners",
	"Ignite",
	"Morgan McKinley Technology",
	"Morgan McKinley",
	"Clicks IT Recruitment",
	"Clicks IT",
	"Ambition Technology",
	"Ambition",
	"Davidson Technology",
	"Davidson",
	"Charterhouse IT",
	"Charterhouse",
	"Sirius Technology",
	"Sirius",
	"Bluefin Resources",
	"Bluefin",
	"Hudson Australia",
	"Hudson",
	"Expert360",
	"Launch Recruitment",
	"CircuIT Recruitment",
	"CircuIT",
	"Randstad Digital",
	"Randstad",
}

// DefaultWorkTypes are the work types kept by the permanent-role rule.
var DefaultWorkTypes = []string{"full time", "full-time", "part time", "part-time"}

// DefaultMaxCompanySize is the employee count at which a company counts as large.
const DefaultMaxCompanySize = 1000

// Rule names, also used as exclusion reasons.
const (
	RuleRecruiter    = "recruiter"
	RuleWorkType     = "non_permanent"
	RuleLargeCompany = "large_company"
)

// RulesConfig selects and parameterizes the built-in rules.
type RulesConfig struct {
	ExcludeRecruiters     bool
	ExcludeNonPermanent   bool
	ExcludeLargeCompanies bool
	RecruiterNames        []string
	AllowedWorkTypes      []string
	MaxCompanySize        int
}

// DefaultRulesConfig enables every rule with the built-in lists.
func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		ExcludeRecruiters:     true,
		ExcludeNonPermanent:   true,
		ExcludeLargeCompanies: true,
		RecruiterNames:        DefaultRecruiters,
		AllowedWorkTypes:      DefaultWorkTypes,
		MaxCompanySize:        DefaultMaxCompanySize,
	}
}

// BuildRules returns the enabled rules in evaluation order.
func BuildRules(cfg RulesConfig) []Rule {
	var rules []Rule
	if cfg.ExcludeNonPermanent {
		types := cfg.AllowedWorkTypes
		if len(types) == 0 {
			types = DefaultWorkTypes
		}
		rules = append(rules, NewWorkTypeRule(types))
	}
	if cfg.ExcludeRecruiters {
		names := cfg.RecruiterNames
		if len(names) == 0 {
			names = DefaultRecruiters
		}
		rules = append(rules, NewRecruiterRule(names))
	}
	if cfg.ExcludeLargeCompanies {
		limit := cfg.MaxCompanySize
		if limit <= 0 {
			limit = DefaultMaxCompanySize
		}
		rules = append(rules, CompanySizeRule{Max: limit})
	}
	return rules
}

// Fold lowercases s and strips combining marks so "Hudsón" matches "hudson".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// RecruiterRule excludes listings whose company contains a known agency name.
type RecruiterRule struct {
	names []string
}

// NewRecruiterRule folds names once up front.
func NewRecruiterRule(names []string) RecruiterRule {
	folded := make([]string, 0, len(names))
	for _, n := range names {
		if f := Fold(n); f != "" {
			folded = append(folded, f)
		}
	}
	return RecruiterRule{names: folded}
}

// Name implements Rule.
func (RecruiterRule) Name() string { return RuleRecruiter }

// Excludes implements Rule.
func (r RecruiterRule) Excludes(l Listing) bool {
	company := l.Record.Company
	if company == "" || company == "N/A" {
		return false
	}
	company = Fold(company)
	for _, n := range r.names {
		if strings.Contains(company, n) {
			return true
		}
	}
	return false
}

// WorkTypeRule keeps only listings whose work type contains an allowed phrase.
// A listing with no work type is excluded.
type WorkTypeRule struct {
	allowed []string
}

// NewWorkTypeRule builds the allow-list rule.
func NewWorkTypeRule(allowed []string) WorkTypeRule {
	folded := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if f := Fold(a); f != "" {
			folded = append(folded, f)
		}
	}
	return WorkTypeRule{allowed: folded}
}

// Name implements Rule.
func (WorkTypeRule) Name() string { return RuleWorkType }

// Excludes implements Rule.
func (r WorkTypeRule) Excludes(l Listing) bool {
	wt := Fold(l.Record.WorkType)
	if wt == "" {
		return true
	}
	for _, a := range r.allowed {
		if strings.Contains(wt, a) {
			return false
		}
	}
	return true
}

var sizeNumber = regexp.MustCompile(`\d+[,\d]*`)

// CompanySizeRule excludes companies whose stated size starts at Max or more.
// Unknown sizes are kept.
type CompanySizeRule struct {
	Max int
}

// Name implements Rule.
func (CompanySizeRule) Name() string { return RuleLargeCompany }

// Excludes implements Rule.
func (r CompanySizeRule) Excludes(l Listing) bool {
	n, ok := ParseCompanySize(l.CompanySize)
	return ok && n >= r.Max
}

// ParseCompanySize returns the first number in text such as "1,000-5,000 employees".
func ParseCompanySize(text string) (int, bool) {
	m := sizeNumber.FindString(text)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return 0, false
	}
	return n, true
}

// FirstExcluding returns the first rule that excludes l.
func FirstExcluding(rules []Rule, l Listing) (Rule, bool) {
	for _, r := range rules {
		if r.Excludes(l) {
			return r, true
		}
	}
	return nil, false
}
