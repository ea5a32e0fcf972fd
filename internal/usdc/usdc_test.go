package usdc

import (
	"math"
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  int64
		ok    bool
	}{
		{"1.00", 1_000_000, true},
		{"0.50", 500_000, true},
		{"100", 100_000_000, true},
		{"0.000001", 1, true},
		{"1.1234567", 1_123_456, true}, // truncates beyond 6 places
		{"", 0, true},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.input)
		if ok != tt.ok {
			t.Fatalf("Parse(%q) ok=%v, want %v", tt.input, ok, tt.ok)
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.want)
		}
	}
}

func TestParseUnits(t *testing.T) {
	got, ok := ParseUnits("100000000")
	if !ok || got.Int64() != 100_000_000 {
		t.Fatalf("ParseUnits = %v, %v", got, ok)
	}
	for _, bad := range []string{"", "-5", "1.5", "0x10"} {
		if _, ok := ParseUnits(bad); ok {
			t.Errorf("ParseUnits(%q) should fail", bad)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   *big.Int
		want string
	}{
		{nil, "0.000000"},
		{big.NewInt(0), "0.000000"},
		{big.NewInt(1), "0.000001"},
		{big.NewInt(1_500_000), "1.500000"},
		{big.NewInt(-2_000_000), "-2.000000"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromFiat(t *testing.T) {
	tests := []struct {
		in   float64
		want int64
	}{
		{100.00, 100_000_000},
		{0.1, 100_000},
		{0.01, 10_000},
		{19.99, 19_990_000},
		{1234.56, 1_234_560_000},
		{0.0000004, 0},  // rounds down
		{0.0000005, 1},  // half rounds away from zero
		{0.0000015, 2},  // half rounds away from zero
		{2.675, 2_675_000},
	}
	for _, tt := range tests {
		if got := FromFiat(tt.in); got.Int64() != tt.want {
			t.Errorf("FromFiat(%v) = %d, want %d", tt.in, got.Int64(), tt.want)
		}
	}
}

// FormatDisplay(FromFiat(x)) must reproduce x at display precision, or the
// fund amount check would reject invoices the UI shows as correct.
func TestFromFiat_RoundTripsWithDisplay(t *testing.T) {
	for _, x := range []float64{0.01, 0.1, 1, 9.99, 19.95, 100, 250.5, 1999.99, 123456.78} {
		units := FromFiat(x)
		back := ToFiat(units)
		if math.Abs(back-x) > 1e-6 {
			t.Errorf("ToFiat(FromFiat(%v)) = %v", x, back)
		}
		if units.Cmp(FromFiat(back)) != 0 {
			t.Errorf("FromFiat not stable for %v", x)
		}
		if got, want := FormatDisplay(units), formatCents(x); got != want {
			t.Errorf("FormatDisplay(FromFiat(%v)) = %q, want %q", x, got, want)
		}
	}
}

func TestFormatDisplay(t *testing.T) {
	if got := FormatDisplay(nil); got != "0.00" {
		t.Errorf("FormatDisplay(nil) = %q", got)
	}
	if got := FormatDisplay(big.NewInt(100_000_000)); got != "100.00" {
		t.Errorf("FormatDisplay(100 USDC) = %q", got)
	}
	if got := FormatDisplay(big.NewInt(1_005_000)); got != "1.01" {
		t.Errorf("FormatDisplay(1.005) = %q, want half-up 1.01", got)
	}
}

func TestToFiat_Nil(t *testing.T) {
	if ToFiat(nil) != 0 {
		t.Error("ToFiat(nil) should be 0")
	}
}

func formatCents(x float64) string {
	cents := int64(math.Round(x * 100))
	return big.NewInt(cents/100).String() + "." + twoDigits(cents%100)
}

func twoDigits(n int64) string {
	if n < 10 {
		return "0" + big.NewInt(n).String()
	}
	return big.NewInt(n).String()
}
