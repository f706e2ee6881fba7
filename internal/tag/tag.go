// Package tag finds service tags in recognized text.
package tag

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/arbovm/levenshtein"
)

// Length is the number of characters in a service tag.
const Length = 7

// ErrNoMatch is returned when text contains no service tag.
var ErrNoMatch = errors.New("no service tag found")

// ServiceTag is exactly Length characters from [A-Z0-9].
type ServiceTag string

func (t ServiceTag) String() string {
	return string(t)
}

// Parse normalizes s to upper case and validates its shape.
func Parse(s string) (ServiceTag, error) {
	s = strings.TrimSpace(s)
	if len(s) != Length || alnumRun.FindString(s) != s {
		return "", fmt.Errorf("invalid service tag %q: want %d characters A-Z or 0-9", s, Length)
	}
	return ServiceTag(strings.ToUpper(s)), nil
}

// alnumRun matches maximal ASCII alphanumeric runs. Anything else,
// including non-ASCII letters and underscores, is a boundary.
var alnumRun = regexp.MustCompile(`[A-Za-z0-9]+`)

// Extractor picks a service tag out of raw OCR text.
type Extractor struct{}

// NewExtractor creates an Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract returns the first bounded 7-character run in reading order.
// Multiple candidates are not ranked; position alone decides.
func (e *Extractor) Extract(raw string) (ServiceTag, error) {
	for _, run := range alnumRun.FindAllString(raw, -1) {
		if len(run) == Length {
			return ServiceTag(strings.ToUpper(run)), nil
		}
	}
	return "", ErrNoMatch
}

// Candidates returns every bounded 7-character run, upper-cased, in
// reading order. Extract always returns the first element.
func (e *Extractor) Candidates(raw string) []ServiceTag {
	var out []ServiceTag
	for _, run := range alnumRun.FindAllString(raw, -1) {
		if len(run) == Length {
			out = append(out, ServiceTag(strings.ToUpper(run)))
		}
	}
	return out
}

// Match describes how an extracted tag compares to the tag a caller expected.
type Match struct {
	Expected           string  `json:"expected"`
	Actual             string  `json:"actual"`
	Exact              bool    `json:"exact"`
	Distance           int     `json:"distance"`
	CharacterErrorRate float64 `json:"character_error_rate"`
}

// Compare measures the edit distance between expected and actual after
// upper-casing both. The error rate is relative to the expected length.
func Compare(expected string, actual ServiceTag) Match {
	want := strings.ToUpper(strings.TrimSpace(expected))
	got := actual.String()
	distance := levenshtein.Distance(want, got)

	cer := 0.0
	switch {
	case len(want) > 0:
		cer = float64(distance) / float64(len(want))
	case len(got) > 0:
		cer = 1.0
	}

	return Match{
		Expected:           want,
		Actual:             got,
		Exact:              want == got,
		Distance:           distance,
		CharacterErrorRate: cer,
	}
}
