// Package phone normalizes raw dialer numbers into the canonical form used
// as a key in the materialized tables.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/unicode/norm"
)

// DefaultRegion is used when a number has no international prefix and the
// normalizer was not configured with a region.
const DefaultRegion = "US"

// Normalizer converts raw numbers to E.164. The zero value uses DefaultRegion.
//
// Normalization is idempotent: Normalize(Normalize(x)) == Normalize(x).
type Normalizer struct {
	Region string
}

// New returns a Normalizer for region (ISO 3166-1 alpha-2, e.g. "US").
func New(region string) Normalizer {
	return Normalizer{Region: strings.ToUpper(region)}
}

// Normalize returns the E.164 form of raw, or a digits-only fallback when
// the number cannot be parsed (short codes, service numbers, garbage from
// the native provider). Empty input yields "".
func (n Normalizer) Normalize(raw string) string {
	// NFKC folds full-width and other compatibility digits to ASCII.
	s := strings.TrimSpace(norm.NFKC.String(raw))
	if s == "" {
		return ""
	}

	region := n.Region
	if region == "" {
		region = DefaultRegion
	}

	if num, err := phonenumbers.Parse(s, region); err == nil && phonenumbers.IsPossibleNumber(num) {
		return phonenumbers.Format(num, phonenumbers.E164)
	}
	return digitsOnly(s)
}

// Equal reports whether two raw numbers normalize to the same key.
func (n Normalizer) Equal(a, b string) bool {
	return n.Normalize(a) == n.Normalize(b)
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
