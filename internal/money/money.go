// Package money implements canonical gram amounts as fixed-point integers
// scaled by 10^4. All arithmetic stays on the scaled integer; floating point
// is never involved.
package money

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Scale is the fixed-point denominator: 1 gram == 10000 units.
const Scale int64 = 10_000

// Grams is a gram amount in scaled units.
type Grams int64

var amountRe = regexp.MustCompile(`^\d+(\.\d{1,4})?$`)

// Parse converts a canonical amount string ("1.25", "3", "0.0001") into
// scaled units. The accepted grammar is ^\d+(\.\d{1,4})?$.
func Parse(s string) (Grams, error) {
	if !amountRe.MatchString(s) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	// Pad the fractional part to 4 digits: "25" -> 2500 units.
	for len(frac) < 4 {
		frac += "0"
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if w > (1<<63-1)/Scale {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	n := w * Scale
	if n > (1<<63-1)-f {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	return Grams(n + f), nil
}

// Format renders scaled units back into the canonical string with exactly
// four fractional digits. Parse(Format(g)) == g for any non-negative g.
func (g Grams) Format() string {
	return fmt.Sprintf("%d.%04d", int64(g)/Scale, int64(g)%Scale)
}

func (g Grams) Add(o Grams) (Grams, error) {
	if o > 0 && g > (1<<63-1)-o {
		return 0, fmt.Errorf("amount addition overflows")
	}
	return g + o, nil
}

func (g Grams) Sub(o Grams) (Grams, error) {
	if o > g {
		return 0, fmt.Errorf("amount subtraction underflows")
	}
	return g - o, nil
}

// Valid reports whether s matches the canonical amount grammar.
func Valid(s string) bool { return amountRe.MatchString(s) }
