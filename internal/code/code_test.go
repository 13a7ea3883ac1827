package code

import (
	"strings"
	"testing"
)

func TestGenerate_Format(t *testing.T) {
	for i := 0; i < 100; i++ {
		c, err := Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(c) != 7 {
			t.Fatalf("length %d: %q", len(c), c)
		}
		if c[3] != '-' {
			t.Fatalf("missing dash: %q", c)
		}
		for _, r := range strings.ReplaceAll(c, "-", "") {
			if !strings.ContainsRune("0123456789ABCDEF", r) {
				t.Fatalf("non-hex character %q in %q", r, c)
			}
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"abc-def", "ABC-DEF"},
		{"abcdef", "ABC-DEF"},
		{" A1b2C3 ", "A1B-2C3"},
		{"A1B-2C3", "A1B-2C3"},
		{"short", "SHORT"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("abc-def", "ABCDEF") {
		t.Fatal("expected codes to match")
	}
	if Equal("ABC-DEF", "ABC-DEA") {
		t.Fatal("expected codes to differ")
	}
}
