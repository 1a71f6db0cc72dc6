// Package pii finds and redacts personally identifiable information in
// request text before it leaves the gateway.
package pii

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Type is a category of personal data.
type Type string

const (
	TypeEmail      Type = "email"
	TypePhone      Type = "phone"
	TypeSSN        Type = "ssn"
	TypeCreditCard Type = "credit_card"
	TypeIPAddress  Type = "ip_address"
	TypeStudentID  Type = "student_id"
)

// Match is one detected occurrence. Start and End are byte offsets.
type Match struct {
	Type  Type
	Start int
	End   int
	Value string
}

// Detector finds personal data in text.
type Detector interface {
	Detect(text string) []Match
}

type pattern struct {
	typ      Type
	re       *regexp.Regexp
	validate func(string) bool
}

// RegexDetector is the default Detector. Patterns are tried in priority
// order and a later match overlapping an earlier one is dropped, so a card
// number is never also reported as a phone number.
type RegexDetector struct {
	patterns []pattern
}

// DefaultStudentIDPattern matches identifiers such as STU-123456.
const DefaultStudentIDPattern = `(?i)\bSTU-?\d{5,9}\b`

// Option configures a RegexDetector.
type Option func(*detectorOptions)

type detectorOptions struct {
	studentID string
	types     map[Type]bool
}

// WithStudentIDPattern overrides the student ID regular expression.
func WithStudentIDPattern(expr string) Option {
	return func(o *detectorOptions) { o.studentID = expr }
}

// WithTypes restricts detection to the given types.
func WithTypes(types ...Type) Option {
	return func(o *detectorOptions) {
		o.types = make(map[Type]bool, len(types))
		for _, t := range types {
			o.types[t] = true
		}
	}
}

// NewRegexDetector compiles the detector.
func NewRegexDetector(opts ...Option) (*RegexDetector, error) {
	o := detectorOptions{studentID: DefaultStudentIDPattern}
	for _, opt := range opts {
		opt(&o)
	}
	if o.studentID == "" {
		o.studentID = DefaultStudentIDPattern
	}

	studentID, err := regexp.Compile(o.studentID)
	if err != nil {
		return nil, fmt.Errorf("compile student id pattern: %w", err)
	}

	all := []pattern{
		{TypeCreditCard, regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), validCard},
		{TypeSSN, regexp.MustCompile(`\b\d{3}[- ]?\d{2}[- ]?\d{4}\b`), validSSN},
		{TypeEmail, regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), nil},
		{TypeIPAddress, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), validIPv4},
		{TypeStudentID, studentID, nil},
		{TypePhone, regexp.MustCompile(`(?:\+\d{1,3}[-.\s]?)?(?:\(\d{3}\)\s?|\b\d{3}[-.\s])\d{3}[-.\s]\d{4}\b`), nil},
	}

	d := &RegexDetector{}
	for _, p := range all {
		if o.types == nil || o.types[p.typ] {
			d.patterns = append(d.patterns, p)
		}
	}
	return d, nil
}

// Detect returns non-overlapping matches ordered by position.
func (d *RegexDetector) Detect(text string) []Match {
	var out []Match
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			m := Match{Type: p.typ, Start: loc[0], End: loc[1], Value: text[loc[0]:loc[1]]}
			if p.validate != nil && !p.validate(m.Value) {
				continue
			}
			if overlaps(out, m) {
				continue
			}
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func overlaps(existing []Match, m Match) bool {
	for _, e := range existing {
		if m.Start < e.End && e.Start < m.End {
			return true
		}
	}
	return false
}

// Redact replaces every match in text with [REDACTED:<type>]. matches must
// come from Detect on the same text.
func Redact(text string, matches []Match) string {
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		if m.Start < last {
			continue
		}
		b.WriteString(text[last:m.Start])
		b.WriteString("[REDACTED:")
		b.WriteString(string(m.Type))
		b.WriteString("]")
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// Types returns the distinct types in matches, sorted.
func Types(matches []Match) []string {
	seen := make(map[Type]bool, len(matches))
	var out []string
	for _, m := range matches {
		if !seen[m.Type] {
			seen[m.Type] = true
			out = append(out, string(m.Type))
		}
	}
	sort.Strings(out)
	return out
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// validCard checks length and the Luhn checksum.
func validCard(s string) bool {
	n := digits(s)
	if len(n) < 13 || len(n) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(n) - 1; i >= 0; i-- {
		d := int(n[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validSSN rejects area, group and serial numbers that are never issued.
func validSSN(s string) bool {
	n := digits(s)
	if len(n) != 9 {
		return false
	}
	area, _ := strconv.Atoi(n[0:3])
	group, _ := strconv.Atoi(n[3:5])
	serial, _ := strconv.Atoi(n[5:9])
	return area != 0 && area != 666 && area < 900 && group != 0 && serial != 0
}

func validIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}
