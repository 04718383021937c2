package graph

import (
	"strings"
	"unicode"
)

// Canonical node types for extracted entities.
const (
	TypeMemoryCard   = "MemoryCard"
	TypePerson       = "Person"
	TypeOrganization = "Organization"
	TypeLocation     = "Location"
	TypeTopic        = "Topic"
	TypeConcept      = "Concept"
	TypeEntity       = "Entity"
)

// typeAliases maps loose extractor labels to canonical node types.
var typeAliases = map[string]string{
	"person":       TypePerson,
	"people":       TypePerson,
	"human":        TypePerson,
	"author":       TypePerson,
	"org":          TypeOrganization,
	"organization": TypeOrganization,
	"organisation": TypeOrganization,
	"company":      TypeOrganization,
	"institution":  TypeOrganization,
	"team":         TypeOrganization,
	"place":        TypeLocation,
	"location":     TypeLocation,
	"city":         TypeLocation,
	"country":      TypeLocation,
	"region":       TypeLocation,
	"topic":        TypeTopic,
	"subject":      TypeTopic,
	"theme":        TypeTopic,
	"project":      TypeTopic,
	"technology":   TypeConcept,
	"tool":         TypeConcept,
	"concept":      TypeConcept,
	"idea":         TypeConcept,
	"product":      TypeConcept,
	"event":        TypeConcept,
}

// CanonicalType normalizes an extractor-provided type label.
func CanonicalType(raw string) string {
	if t, ok := typeAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return t
	}
	return TypeEntity
}

// leading articles stripped before slugging
var articles = map[string]bool{"the": true, "a": true, "an": true}

// Slug converts an entity name into its canonical ent: slug. Lowercased,
// articles stripped, runs of non-alphanumerics collapsed to single dashes.
func Slug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))

	words := strings.Fields(name)
	for len(words) > 1 && articles[words[0]] {
		words = words[1:]
	}
	name = strings.Join(words, " ")

	var b strings.Builder
	lastDash := true
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// EntityNodeID returns the namespaced node id for an entity name.
func EntityNodeID(name string) string {
	return "ent:" + Slug(name)
}

// MemoryNodeID returns the namespaced node id for a memory card.
func MemoryNodeID(memoryID string) string {
	return "mem:" + memoryID
}
