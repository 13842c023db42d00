package keys

import (
	"testing"

	"geocache/internal/core"
)

func TestBuildDeterministic(t *testing.T) {
	b := NewBuilder()

	k1, err := b.Build(core.TypeGeocode, map[string]string{"address": "  Alexanderplatz 1, Berlin "})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	k2, err := b.Build(core.TypeGeocode, map[string]string{"address": "alexanderplatz 1,  berlin"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("normalized addresses should share a key: %q vs %q", k1, k2)
	}
}

func TestBuildParameterOrderIrrelevant(t *testing.T) {
	b := NewBuilder()

	// Same logical request, different insertion order and option order.
	k1, err := b.Build(core.TypeRoute, map[string]string{
		"origin":      "52.520008, 13.404954",
		"destination": "52.500342, 13.425293",
		"options":     "tolls,highways",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	k2, err := b.Build(core.TypeRoute, map[string]string{
		"options":     "highways, tolls",
		"destination": "52.500342, 13.425293",
		"origin":      "52.520008, 13.404954",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("option order should not change the key: %q vs %q", k1, k2)
	}
}

func TestBuildCoordinateRounding(t *testing.T) {
	b := NewBuilder()

	// Differences past the fifth decimal are the same place.
	k1, err := b.Build(core.TypeRoute, map[string]string{
		"origin":      "52.5200081,13.4049541",
		"destination": "52.5003421,13.4252931",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	k2, err := b.Build(core.TypeRoute, map[string]string{
		"origin":      "52.5200083,13.4049543",
		"destination": "52.5003423,13.4252933",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("sub-meter coordinate noise should not change the key")
	}
}

func TestBuildRejectsMissingDiscriminators(t *testing.T) {
	b := NewBuilder()

	cases := []struct {
		typ    core.RequestType
		params map[string]string
	}{
		{core.TypeGeocode, map[string]string{}},
		{core.TypeGeocode, map[string]string{"address": "   "}},
		{core.TypeRoute, map[string]string{"origin": "52.5,13.4"}},
		{core.TypeMatrix, map[string]string{"origins": "a;b"}},
		{core.TypeAutocomplete, map[string]string{"limit": "5"}},
	}
	for _, tc := range cases {
		if _, err := b.Build(tc.typ, tc.params); !core.IsKind(err, core.KindValidation) {
			t.Errorf("%s %v: expected validation error, got %v", tc.typ, tc.params, err)
		}
	}
}

func TestBuildUnknownType(t *testing.T) {
	b := NewBuilder()
	if _, err := b.Build(core.RequestType("elevation"), map[string]string{"x": "y"}); !core.IsKind(err, core.KindValidation) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
}

func TestBuildKeyShape(t *testing.T) {
	b := NewBuilder()
	k, err := b.Build(core.TypeAutocomplete, map[string]string{"query": "alexand"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// "<type>:" prefix keeps keys greppable per request class.
	if want := "autocomplete:"; len(k) != len(want)+16 || k[:len(want)] != want {
		t.Fatalf("unexpected key shape %q", k)
	}
}
