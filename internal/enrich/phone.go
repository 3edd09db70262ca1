package enrich

import (
	"regexp"
	"strings"
)

var (
	phoneSeparators = regexp.MustCompile(`[\s\-().]+`)
	phoneLabel      = regexp.MustCompile(`(?i)^(phone|tel|telephone|call)[:\s]+`)

	validPhonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^(\+61|0)[2-478]\d{8}$`), // landline
		regexp.MustCompile(`^(\+61|0)4\d{8}$`),       // mobile
		regexp.MustCompile(`^1[38]00\d{6}$`),         // 1300 / 1800
	}

	textPhonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\+61[\s\-]?[2-478][\s\-]?\d{4}[\s\-]?\d{4}`),
		regexp.MustCompile(`\(0[2-8]\)[\s\-]?\d{4}[\s\-]?\d{4}`),
		regexp.MustCompile(`0[2-8][\s\-]\d{4}[\s\-]\d{4}`),
		regexp.MustCompile(`04\d{2}[\s\-]\d{3}[\s\-]\d{3}`),
		regexp.MustCompile(`1[38]00[\s\-]\d{3}[\s\-]\d{3}`),
	}
)

// IsValidPhone reports whether text is an Australian landline, mobile or
// 1300/1800 number once separators are stripped.
func IsValidPhone(text string) bool {
	cleaned := phoneSeparators.ReplaceAllString(CleanPhone(text), "")
	for _, p := range validPhonePatterns {
		if p.MatchString(cleaned) {
			return true
		}
	}
	return false
}

// CleanPhone trims whitespace and a leading "Phone:"-style label.
func CleanPhone(text string) string {
	return strings.TrimSpace(phoneLabel.ReplaceAllString(strings.TrimSpace(text), ""))
}

// PhoneFromText returns the first formatted Australian number found in text.
func PhoneFromText(text string) string {
	for _, p := range textPhonePatterns {
		if m := p.FindString(text); m != "" {
			return CleanPhone(m)
		}
	}
	return ""
}
