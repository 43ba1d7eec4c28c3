package capsule

import (
	"strings"
	"time"

	schemacapsule "github.com/davidahmann/tether/core/schema/v1/capsule"
)

// shortTermMaxChars is the length cutoff for the final classification test:
// entries below it are short-term, the rest long-term.
const shortTermMaxChars = 200

// Keyword tables for the ordered classification test. Matching is a
// case-insensitive substring test; the first matching category wins
// (emotional > procedural > episodic > length).
var (
	emotionalKeywords = []string{
		"feel", "felt", "happy", "sad", "angry", "afraid", "fear",
		"love", "joy", "excited", "anxious", "grateful", "lonely",
		"proud", "ashamed", "upset", "worried",
	}
	proceduralKeywords = []string{
		"learned", "how to", "steps to", "procedure", "method",
		"practice", "instructions", "configure", "install", "built",
		"recipe", "technique",
	}
	episodicKeywords = []string{
		"remember", "that day", "the day", "when we", "when i",
		"yesterday", "last week", "last year", "the time", "first time",
		"we met", "visited", "happened",
	}
)

// classifyMemories buckets a memory log into the five snapshot sequences,
// preserving input order within each bucket.
func classifyMemories(memoryLog []string, now time.Time) schemacapsule.MemorySnapshot {
	snapshot := schemacapsule.MemorySnapshot{
		ShortTerm:  []string{},
		LongTerm:   []string{},
		Emotional:  []string{},
		Procedural: []string{},
		Episodic:   []string{},
	}
	for _, entry := range memoryLog {
		switch classifyEntry(entry) {
		case "emotional":
			snapshot.Emotional = append(snapshot.Emotional, entry)
		case "procedural":
			snapshot.Procedural = append(snapshot.Procedural, entry)
		case "episodic":
			snapshot.Episodic = append(snapshot.Episodic, entry)
		case "short_term":
			snapshot.ShortTerm = append(snapshot.ShortTerm, entry)
		default:
			snapshot.LongTerm = append(snapshot.LongTerm, entry)
		}
	}
	snapshot.MemoryCount = len(memoryLog)
	if len(memoryLog) > 0 {
		snapshot.LastTimestamp = now.UTC()
	}
	return snapshot
}

func classifyEntry(entry string) string {
	lowered := strings.ToLower(entry)
	if matchesAny(lowered, emotionalKeywords) {
		return "emotional"
	}
	if matchesAny(lowered, proceduralKeywords) {
		return "procedural"
	}
	if matchesAny(lowered, episodicKeywords) {
		return "episodic"
	}
	if len(entry) < shortTermMaxChars {
		return "short_term"
	}
	return "long_term"
}

func matchesAny(lowered string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
