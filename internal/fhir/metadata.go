package fhir

import (
	"fmt"
	"strconv"
	"strings"
)

// Metadata is the structured record attached to every persisted chunk.
// Absent optional fields are omitted, never stored as null.
type Metadata struct {
	PatientID     string `json:"patient_id,omitempty"`
	ResourceID    string `json:"resource_id"`
	ResourceType  string `json:"resource_type"`
	FullURL       string `json:"full_url,omitempty"`
	SourceFile    string `json:"source_file,omitempty"`
	ChunkID       string `json:"chunk_id"`
	ChunkIndex    int    `json:"chunk_index"`
	TotalChunks   int    `json:"total_chunks"`
	ChunkSize     int    `json:"chunk_size"`
	EffectiveDate string `json:"effective_date,omitempty"`
	Status        string `json:"status,omitempty"`
	LastUpdated   string `json:"last_updated,omitempty"`
}

// dateFields maps each resource type to the fields tried for the
// effective date, first match wins. Dotted paths descend into objects.
var dateFields = map[string][]string{
	TypeObservation:       {"effectiveDateTime", "issued"},
	TypeCondition:         {"onsetDateTime", "recordedDate"},
	TypeProcedure:         {"performedDateTime"},
	TypeMedicationRequest: {"authoredOn"},
	TypeImmunization:      {"occurrenceDateTime"},
	TypeDiagnosticReport:  {"effectiveDateTime"},
	TypeEncounter:         {"period.start"},
	TypePatient:           {"birthDate"},
}

// ChunkID builds the globally unique chunk identifier for a resource chunk.
func ChunkID(resourceID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", resourceID, index)
}

// ExtractMetadata derives the metadata record for one chunk of a submission.
// resource is the parsed resource document; it may be nil when parsing was
// skipped, in which case only submission-level fields are populated.
func ExtractMetadata(sub *Submission, resource map[string]any, chunkIndex, totalChunks, chunkSize int) Metadata {
	md := Metadata{
		PatientID:    sub.PatientID,
		ResourceID:   sub.ResourceID,
		ResourceType: sub.ResourceType,
		FullURL:      sub.FullURL,
		SourceFile:   sub.SourceFile,
		ChunkID:      ChunkID(sub.ResourceID, chunkIndex),
		ChunkIndex:   chunkIndex,
		TotalChunks:  totalChunks,
		ChunkSize:    chunkSize,
	}
	if resource == nil {
		return md
	}

	for _, field := range dateFields[sub.ResourceType] {
		if v := lookupString(resource, field); v != "" {
			md.EffectiveDate = v
			break
		}
	}
	md.Status = lookupString(resource, "status")
	md.LastUpdated = lookupString(resource, "meta.lastUpdated")

	return md
}

// Field returns the string form of a metadata key for equality filtering.
// Unknown keys report ok=false.
func (m Metadata) Field(key string) (string, bool) {
	switch key {
	case "patient_id":
		return m.PatientID, true
	case "resource_id":
		return m.ResourceID, true
	case "resource_type":
		return m.ResourceType, true
	case "full_url":
		return m.FullURL, true
	case "source_file":
		return m.SourceFile, true
	case "chunk_id":
		return m.ChunkID, true
	case "chunk_index":
		return strconv.Itoa(m.ChunkIndex), true
	case "total_chunks":
		return strconv.Itoa(m.TotalChunks), true
	case "chunk_size":
		return strconv.Itoa(m.ChunkSize), true
	case "effective_date":
		return m.EffectiveDate, true
	case "status":
		return m.Status, true
	case "last_updated":
		return m.LastUpdated, true
	}
	return "", false
}

// Matches reports whether every filter key equals the metadata value.
// An unknown filter key never matches.
func (m Metadata) Matches(filter map[string]string) bool {
	for key, want := range filter {
		got, ok := m.Field(key)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// lookupString resolves a dotted path in a parsed JSON document and
// returns the value when it is a string.
func lookupString(doc map[string]any, path string) string {
	cur := any(doc)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = obj[part]
		if !ok {
			return ""
		}
	}
	s, _ := cur.(string)
	return s
}
