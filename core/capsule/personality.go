package capsule

import (
	"strings"

	schemacapsule "github.com/davidahmann/tether/core/schema/v1/capsule"
)

const (
	dominantScore  = 0.8
	recessiveScore = 0.2
	neutralScore   = 0.5
)

// dimensionPairs lists the four opposed pole pairs of a type code, in
// positional order.
var dimensionPairs = [4][2]string{
	{"E", "I"},
	{"S", "N"},
	{"T", "F"},
	{"J", "P"},
}

// derivePersonality splits a 4-character type code into per-pole scores:
// each position scores 0.8 on its own pole and 0.2 on the opposite.
// Unparseable codes score every pole at 0.5.
func derivePersonality(typeCode string) schemacapsule.Personality {
	normalized := strings.ToUpper(strings.TrimSpace(typeCode))
	scores := make(map[string]float64, 8)

	if len(normalized) != 4 {
		return neutralPersonality(normalized, scores)
	}
	for position, pair := range dimensionPairs {
		letter := string(normalized[position])
		switch letter {
		case pair[0]:
			scores[pair[0]] = dominantScore
			scores[pair[1]] = recessiveScore
		case pair[1]:
			scores[pair[1]] = dominantScore
			scores[pair[0]] = recessiveScore
		default:
			return neutralPersonality(normalized, make(map[string]float64, 8))
		}
	}
	return schemacapsule.Personality{TypeCode: normalized, Scores: scores}
}

func neutralPersonality(typeCode string, scores map[string]float64) schemacapsule.Personality {
	for _, pair := range dimensionPairs {
		scores[pair[0]] = neutralScore
		scores[pair[1]] = neutralScore
	}
	return schemacapsule.Personality{TypeCode: typeCode, Scores: scores}
}
