package pii

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDetector(t *testing.T, opts ...Option) *RegexDetector {
	t.Helper()
	d, err := NewRegexDetector(opts...)
	require.NoError(t, err)
	return d
}

func TestDetect_Types(t *testing.T) {
	d := newDetector(t)

	tests := []struct {
		name string
		text string
		want Type
		val  string
	}{
		{"email", "write to jane.doe@school.edu today", TypeEmail, "jane.doe@school.edu"},
		{"phone dashes", "call 555-123-4567 after class", TypePhone, "555-123-4567"},
		{"phone parens", "call (555) 123-4567", TypePhone, "(555) 123-4567"},
		{"phone intl", "call +1 555 123 4567", TypePhone, "+1 555 123 4567"},
		{"ssn", "my ssn is 123-45-6789", TypeSSN, "123-45-6789"},
		{"visa", "card 4111 1111 1111 1111 expires", TypeCreditCard, "4111 1111 1111 1111"},
		{"ip", "logged in from 192.168.10.4", TypeIPAddress, "192.168.10.4"},
		{"student id", "student STU-0042137 missed class", TypeStudentID, "STU-0042137"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := d.Detect(tt.text)
			require.Len(t, matches, 1, "matches: %+v", matches)
			assert.Equal(t, tt.want, matches[0].Type)
			assert.Equal(t, tt.val, matches[0].Value)
		})
	}
}

func TestDetect_RejectsInvalidNumbers(t *testing.T) {
	d := newDetector(t)

	assert.Empty(t, d.Detect("card 4111 1111 1111 1112"), "Luhn failure")
	assert.Empty(t, d.Detect("ssn 000-12-3456"), "area 000 is never issued")
	assert.Empty(t, d.Detect("ssn 666-12-3456"), "area 666 is never issued")
	assert.Empty(t, d.Detect("version 999.300.1.1"), "not an IPv4 address")
	assert.Empty(t, d.Detect("What is 7 x 8?"))
}

func TestDetect_NoOverlap(t *testing.T) {
	d := newDetector(t)

	matches := d.Detect("pay with 5555555555554444")
	require.Len(t, matches, 1)
	assert.Equal(t, TypeCreditCard, matches[0].Type)
}

func TestDetect_OrderedByPosition(t *testing.T) {
	d := newDetector(t)

	matches := d.Detect("555-123-4567 or bob@example.com")
	require.Len(t, matches, 2)
	assert.Equal(t, TypePhone, matches[0].Type)
	assert.Equal(t, TypeEmail, matches[1].Type)
}

func TestRedact(t *testing.T) {
	d := newDetector(t)

	text := "Email bob@example.com or call 555-123-4567 about STU-12345."
	got := Redact(text, d.Detect(text))
	assert.Equal(t, "Email [REDACTED:email] or call [REDACTED:phone] about [REDACTED:student_id].", got)
	assert.Equal(t, "nothing here", Redact("nothing here", nil))
}

func TestTypes(t *testing.T) {
	d := newDetector(t)

	matches := d.Detect("a@b.io, c@d.io, 10.0.0.1")
	assert.Equal(t, []string{"email", "ip_address"}, Types(matches))
}

func TestOptions(t *testing.T) {
	d := newDetector(t, WithTypes(TypeEmail))
	assert.Empty(t, d.Detect("call 555-123-4567"))
	assert.Len(t, d.Detect("x@y.org"), 1)

	d = newDetector(t, WithStudentIDPattern(`\bS\d{4}\b`))
	matches := d.Detect("student S1234")
	require.Len(t, matches, 1)
	assert.Equal(t, TypeStudentID, matches[0].Type)

	_, err := NewRegexDetector(WithStudentIDPattern("("))
	assert.Error(t, err)
}
