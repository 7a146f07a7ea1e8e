// Package fhir defines the inbound resource submission model and the
// metadata derived from clinical resources.
package fhir

import (
	"encoding/json"
	"strings"

	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
)

// Recognized resource types. Other values are accepted and treated as generic.
const (
	TypePatient           = "Patient"
	TypeCondition         = "Condition"
	TypeObservation       = "Observation"
	TypeProcedure         = "Procedure"
	TypeMedicationRequest = "MedicationRequest"
	TypeImmunization      = "Immunization"
	TypeDiagnosticReport  = "DiagnosticReport"
	TypeEncounter         = "Encounter"
)

// Submission is one inbound clinical resource awaiting ingestion.
type Submission struct {
	ResourceID   string `json:"id"`
	FullURL      string `json:"fullUrl"`
	ResourceType string `json:"resourceType"`
	Content      string `json:"content"`
	ResourceJSON string `json:"resourceJson"`
	PatientID    string `json:"patientId,omitempty"`
	SourceFile   string `json:"sourceFile,omitempty"`
}

// Validate checks the submission before it may be enqueued.
// Failures are validation errors and must never enter the queue.
func (s *Submission) Validate() error {
	const op = "ingest.validate"

	if s.ResourceID == "" {
		return ferrors.Validation(op, "missing resource id")
	}
	if strings.TrimSpace(s.Content) == "" {
		return ferrors.Validation(op, "empty content")
	}
	if s.ResourceJSON == "" {
		return ferrors.Validation(op, "missing resource JSON")
	}
	if !json.Valid([]byte(s.ResourceJSON)) {
		return ferrors.Validation(op, "unparseable resource JSON")
	}
	return nil
}

// Resource returns the parsed resource JSON as a generic document.
func (s *Submission) Resource() (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s.ResourceJSON))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, ferrors.Validation("ingest.parse", "resource JSON is not an object: "+err.Error())
	}
	return doc, nil
}
