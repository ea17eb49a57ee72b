package version

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		raw        string
		prerelease bool
	}{
		{"1.0", false},
		{"1.0.0", false},
		{"2024.10.1", false},
		{"1.2.3.4", false},
		{"1!2.0", false},
		{"2.0.0a1", true},
		{"2.0.0b2", true},
		{"2.0.0rc1", true},
		{"2.0.0.dev3", true},
		{"1.0.post1", false},
		{"1.0-1", false},
		{"1.0+local.7", false},
		{"v1.4", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.raw, err)
			}
			if v.IsPrerelease() != tt.prerelease {
				t.Errorf("IsPrerelease() = %v, want %v", v.IsPrerelease(), tt.prerelease)
			}
			if v.String() != tt.raw {
				t.Errorf("String() = %q, want %q", v.String(), tt.raw)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, raw := range []string{"", "latest", "1.0-py3", "1..0", "abc-1.0"} {
		t.Run(raw, func(t *testing.T) {
			_, err := Parse(raw)
			if err == nil {
				t.Fatalf("Parse(%q) expected error", raw)
			}
			if !errors.Is(err, ErrInvalidVersion) {
				t.Errorf("expected ErrInvalidVersion in chain, got %v", err)
			}
			if !errors.Is(err, ErrVersionParseFailed{}) {
				t.Errorf("expected ErrVersionParseFailed, got %T", err)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0.0", 0},
		{"1.0.0", "1.1.0", -1},
		{"1.10.0", "1.9.0", 1},
		{"1.2.3.4", "1.2.3", 1},
		{"1.2.3.0", "1.2.3", 0},
		{"1.0.dev1", "1.0a1", -1},
		{"1.0a1", "1.0b1", -1},
		{"1.0b1", "1.0rc1", -1},
		{"1.0rc1", "1.0", -1},
		{"1.0", "1.0.post1", -1},
		{"1.0a1", "1.0a1.post1", -1},
		{"1.0a1.dev1", "1.0a1", -1},
		{"1.0.post1.dev1", "1.0.post1", -1},
		{"1!0.1", "2.0", 1},
		{"1.0", "1.0+abc", -1},
		{"2.0.0a1", "1.1.0", 1},
		{"1.0.0.18446744073709551615", "1.0.0.1", 1},
		{"1.0.0.9223372036854775808", "1.0.0.9223372036854775807", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			got := MustParse(tt.a).Compare(MustParse(tt.b))
			if got != tt.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			if back := MustParse(tt.b).Compare(MustParse(tt.a)); back != -tt.want {
				t.Errorf("Compare(%s, %s) = %d, want %d", tt.b, tt.a, back, -tt.want)
			}
		})
	}
}

func TestSortDescending(t *testing.T) {
	got := SortDescending([]string{"1.0.0", "not-a-version", "2.0.0a1", "1.1.0", "0.9"})
	want := []string{"2.0.0a1", "1.1.0", "1.0.0", "0.9"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SortDescending() = %v, want %v", got, want)
	}
}

func TestNewest(t *testing.T) {
	versions := []string{"1.0.0", "1.1.0", "2.0.0a1"}

	tests := []struct {
		name       string
		versions   []string
		includePre bool
		want       string
		found      bool
	}{
		{"prereleases excluded", versions, false, "1.1.0", true},
		{"prereleases included", versions, true, "2.0.0a1", true},
		{"only prereleases", []string{"1.0rc1"}, false, "", false},
		{"empty", nil, true, "", false},
		{"only invalid", []string{"garbage"}, true, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := Newest(tt.versions, tt.includePre)
			if got != tt.want || found != tt.found {
				t.Errorf("Newest() = (%q, %v), want (%q, %v)", got, found, tt.want, tt.found)
			}
		})
	}
}
