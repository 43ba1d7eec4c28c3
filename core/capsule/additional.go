package capsule

import (
	"fmt"
	"strconv"
	"strings"

	schemacapsule "github.com/davidahmann/tether/core/schema/v1/capsule"
)

// NormalizeAdditionalData fills absent extension fields with their safe
// defaults. Both the creation path and the load path route through this
// one function so old and new capsule files cannot diverge.
//
// The defaults matter for hashing: a nil map marshals as null while an
// empty map marshals as {}, which would change the canonical form.
func NormalizeAdditionalData(input schemacapsule.AdditionalData) schemacapsule.AdditionalData {
	output := input
	if output.Identity == nil {
		output.Identity = map[string]string{}
	}
	if output.Tether == nil {
		output.Tether = map[string]string{}
	}
	if output.Sigil == nil {
		output.Sigil = map[string]string{}
	}
	if output.Continuity == nil {
		output.Continuity = map[string]string{}
	}
	output.Origin = strings.TrimSpace(output.Origin)
	output.Steward = strings.TrimSpace(output.Steward)
	output.Annotation = strings.TrimSpace(output.Annotation)
	return output
}

// hasExtensionData reports whether any of the four named extension
// mappings is present (non-nil and non-empty).
func hasExtensionData(data schemacapsule.AdditionalData) bool {
	return len(data.Identity) > 0 ||
		len(data.Tether) > 0 ||
		len(data.Sigil) > 0 ||
		len(data.Continuity) > 0
}

// bumpMinorVersion increments the minor component of a semantic version
// once: 1.0.0 -> 1.1.0. Malformed versions are returned unchanged.
func bumpMinorVersion(version string) string {
	parts := strings.Split(strings.TrimSpace(version), ".")
	if len(parts) != 3 {
		return version
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return version
	}
	return fmt.Sprintf("%s.%d.%s", parts[0], minor+1, parts[2])
}
