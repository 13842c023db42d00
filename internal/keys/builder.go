// Package keys builds deterministic cache fingerprints from normalized
// request parameters. The same logical request always yields the same key,
// across process restarts and regardless of parameter insertion order.
package keys

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"geocache/internal/core"
)

// CoordPrecision is the decimal precision coordinates are rounded to
// before hashing. ~1m resolution; finer differences are the same place.
const CoordPrecision = 5

// required lists the discriminating parameters each request type must carry.
var required = map[core.RequestType][]string{
	core.TypeGeocode:      {"address"},
	core.TypeRoute:        {"origin", "destination"},
	core.TypeTraffic:      {"area"},
	core.TypeMatrix:       {"origins", "destinations"},
	core.TypeAutocomplete: {"query"},
}

// Builder produces cache keys of the form "<type>:<xxhash64 hex>".
type Builder struct{}

// NewBuilder creates a key builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build returns the fingerprint for the given request type and parameters.
// Parameters are normalized (addresses lower-cased and trimmed, coordinates
// rounded, list values sorted) and serialized in sorted key order, so two
// semantically identical requests hash identically. Requests missing a
// required discriminating field are rejected with a validation error.
func (b *Builder) Build(typ core.RequestType, params map[string]string) (string, error) {
	if !typ.Valid() {
		return "", core.NewValidationError("keys.build", fmt.Sprintf("unknown request type %q", typ))
	}
	for _, field := range required[typ] {
		if strings.TrimSpace(params[field]) == "" {
			return "", core.NewValidationError("keys.build",
				fmt.Sprintf("%s request missing required field %q", typ, field))
		}
	}

	canonical := Canonical(typ, params)
	digest := xxhash.Sum64String(canonical)
	return fmt.Sprintf("%s:%016x", typ, digest), nil
}

// Canonical returns the normalized pre-hash form. Exposed so tests and
// diagnostics can inspect what a key was derived from.
func Canonical(typ core.RequestType, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(string(typ))
	for _, name := range names {
		sb.WriteByte('|')
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(normalizeValue(name, params[name]))
	}
	return sb.String()
}

// normalizeValue canonicalizes a single parameter value. Coordinate pairs
// are rounded, comma-separated option lists sorted, everything else is
// lower-cased with whitespace collapsed.
func normalizeValue(name, value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.Join(strings.Fields(value), " ")

	if lat, lon, ok := parseCoord(value); ok {
		return formatCoord(lat) + "," + formatCoord(lon)
	}

	if isOptionList(name) && strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		sort.Strings(parts)
		return strings.Join(parts, ",")
	}

	return value
}

// isOptionList reports whether the parameter holds an order-insensitive
// option list rather than an ordered sequence (waypoints stay ordered).
func isOptionList(name string) bool {
	switch name {
	case "options", "avoid", "types", "modes", "layers":
		return true
	}
	return false
}

// parseCoord recognizes "lat,lon" values.
func parseCoord(value string) (lat, lon float64, ok bool) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', CoordPrecision, 64)
}
