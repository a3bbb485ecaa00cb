package turnflow

import "testing"

func TestLocationForCity(t *testing.T) {
	cases := []struct {
		speech string
		want   string
		ok     bool
	}{
		{"Dallas", "DAL", true},
		{"I'm in Euless", "FTW", true},
		{"we're out in fort worth", "FTW", true},
		{"Plano, Texas", "DAL", true},
		{"Arlington", "FTW", true},
		{"Houston", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := LocationForCity(tc.speech)
		if ok != tc.ok || got != tc.want {
			t.Errorf("LocationForCity(%q) = %q, %v; want %q, %v", tc.speech, got, ok, tc.want, tc.ok)
		}
	}
}
