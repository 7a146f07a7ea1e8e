package search

import (
	"sort"
	"strings"
)

// typeKeywords maps resource types to the query keywords that imply
// them. Matching is whole-word over the lowercased query; multi-word
// entries match as phrases.
var typeKeywords = map[string][]string{
	"Condition":         {"condition", "diagnosis", "disease", "problem", "illness", "disorder"},
	"Observation":       {"lab", "test", "vital", "blood pressure", "glucose", "cholesterol"},
	"MedicationRequest": {"medication", "drug", "prescription", "rx"},
	"Procedure":         {"surgery", "surgical", "operation", "intervention"},
	"Immunization":      {"vaccine", "vaccination", "immunized"},
	"Encounter":         {"visit", "appointment", "admission", "hospitalization"},
	"DiagnosticReport":  {"imaging", "radiology", "xray", "mri", "ct scan"},
}

// DetectResourceTypes infers resource-type filters from query keywords.
// The result is sorted for deterministic behavior; an empty result means
// no restriction.
func DetectResourceTypes(query string) []string {
	normalized := " " + strings.Join(tokenize(query), " ") + " "

	var types []string
	for resourceType, keywords := range typeKeywords {
		for _, kw := range keywords {
			if strings.Contains(normalized, " "+kw+" ") {
				types = append(types, resourceType)
				break
			}
		}
	}
	sort.Strings(types)
	return types
}

// tokenize lowercases the query and strips punctuation from word edges
// so "cholesterol?" still matches the keyword "cholesterol".
func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !isWordRune(r)
		})
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '/':
		// Clinical values like "120/80" stay intact.
		return true
	}
	return false
}
