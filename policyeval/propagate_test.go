package policyeval

import "testing"

func TestPluralSuffix(t *testing.T) {
	cases := map[int]string{
		0: "ies",
		1: "y",
		2: "ies",
		5: "ies",
	}
	for n, want := range cases {
		if got := pluralSuffix(n); got != want {
			t.Errorf("pluralSuffix(%d) = %q, want %q", n, got, want)
		}
	}
}
