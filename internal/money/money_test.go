package money

import "testing"

func mustParse(t *testing.T, s string) Grams {
	t.Helper()
	g, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return g
}

func TestParseFormatRoundTrip(t *testing.T) {
	cases := map[string]Grams{
		"0":        0,
		"1":        10000,
		"1.25":     12500,
		"1.2500":   12500,
		"0.0001":   1,
		"3.0000":   30000,
		"999.9":    9999000,
		"100.0050": 1000050,
	}
	for in, want := range cases {
		got := mustParse(t, in)
		if got != want {
			t.Fatalf("Parse(%q) = %d, want %d", in, got, want)
		}
		back := mustParse(t, got.Format())
		if back != got {
			t.Fatalf("round trip %q: %d != %d", in, back, got)
		}
	}
}

func TestFormatPadsToFourDigits(t *testing.T) {
	if got := Grams(12500).Format(); got != "1.2500" {
		t.Fatalf("Format = %q, want 1.2500", got)
	}
	if got := Grams(1).Format(); got != "0.0001" {
		t.Fatalf("Format = %q, want 0.0001", got)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "-1", "1.", ".5", "1.00000", "1,25", "abc", "1e3", " 1"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q): expected error", s)
		}
	}
}

func TestCheckedArithmetic(t *testing.T) {
	a := mustParse(t, "3.0000")
	b := mustParse(t, "1.2500")

	sum, err := a.Add(b)
	if err != nil || sum != mustParse(t, "4.2500") {
		t.Fatalf("Add: %d, %v", sum, err)
	}
	diff, err := a.Sub(b)
	if err != nil || diff != mustParse(t, "1.7500") {
		t.Fatalf("Sub: %d, %v", diff, err)
	}
	if _, err := b.Sub(a); err == nil {
		t.Fatalf("Sub underflow: expected error")
	}
	if _, err := Grams(1<<63 - 1).Add(1); err == nil {
		t.Fatalf("Add overflow: expected error")
	}
}
