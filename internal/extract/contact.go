package extract

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`)

	// Numbers must carry a separator so ids and reference codes are skipped.
	adPhonePattern = regexp.MustCompile(`(?:\+61[\s-]?[2-478][\s-]?\d{4}[\s-]?\d{4}|\(0[2-8]\)[\s-]?\d{4}[\s-]?\d{4}|0[2-8][\s-]\d{4}[\s-]\d{4}|04\d{2}[\s-]\d{3}[\s-]\d{3}|1[38]00[\s-]\d{3}[\s-]\d{3})`)

	websitePattern = regexp.MustCompile(`(?:https?://(?:www\.)?[a-zA-Z0-9-]+\.[a-zA-Z]{2,}(?:\.[a-zA-Z]{2,})?(?:/[^\s<>"]*)?|www\.[a-zA-Z0-9-]+\.[a-zA-Z]{2,}(?:\.[a-zA-Z]{2,})?(?:/[^\s<>"]*)?)`)
)

// InvalidDomains lists url fragments that never count as a company website.
var InvalidDomains = []string{
	"ogp.me",
	"schema.org",
	"w3.org",
	"xmlns.com",
	"example.com",
	"facebook.com/sharer",
	"twitter.com/intent",
	"linkedin.com/sharing",
}

// Contact is the contact information found in an ad body.
type Contact struct {
	Email   string
	Phone   string
	Website string
}

// ContactFromText scans free text for the first usable email, phone and website.
func ContactFromText(text string) Contact {
	return Contact{
		Email:   FirstEmail(text),
		Phone:   FirstPhone(text),
		Website: FirstWebsite(text),
	}
}

// FirstEmail returns the first email address in text that is not an image name.
func FirstEmail(text string) string {
	for _, m := range emailPattern.FindAllString(text, -1) {
		if hasImageSuffix(m) {
			continue
		}
		return m
	}
	return ""
}

// FirstPhone returns the first formatted Australian phone number in text.
func FirstPhone(text string) string {
	for _, m := range adPhonePattern.FindAllString(text, -1) {
		if strings.ContainsAny(m, " -()") {
			return m
		}
	}
	return ""
}

// FirstWebsite returns the first url in text outside InvalidDomains.
func FirstWebsite(text string) string {
	for _, m := range websitePattern.FindAllString(text, -1) {
		if strings.Contains(m, "@") || hasImageSuffix(m) {
			continue
		}
		if invalidDomain(m) {
			continue
		}
		return m
	}
	return ""
}

func invalidDomain(u string) bool {
	lower := strings.ToLower(u)
	for _, d := range InvalidDomains {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

func hasImageSuffix(s string) bool {
	return strings.HasSuffix(s, ".png") || strings.HasSuffix(s, ".jpg")
}
