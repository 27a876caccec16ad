package validators

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// DosageName is the registered name of the weight-based dosing validator.
const DosageName = "DosageValidator"

const citeDosing = "Institutional Formulary - Weight-Based Dosing"

// Confidence grades patient state by age.
type Confidence int

// Confidence constants, ordered.
const (
	ConfidenceUnknown Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "HIGH"
	case ConfidenceMedium:
		return "MEDIUM"
	case ConfidenceLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Freshness maps a state age to a confidence grade.
func Freshness(age time.Duration) Confidence {
	switch {
	case age < 0:
		return ConfidenceUnknown
	case age < 5*time.Minute:
		return ConfidenceHigh
	case age < time.Hour:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// stateRequirement names a patient state field and the confidence a dosing
// decision needs from it. Ages arrive as "<field>_age_s" parameters.
type stateRequirement struct {
	field    string
	required Confidence
}

// Dosage checks a medication dose against a per-kilogram maximum after
// confirming that the patient state it depends on is fresh enough.
type Dosage struct {
	MaxMgPerKg map[string]float64
	State      []stateRequirement
}

// NewDosage returns the validator with a small default formulary.
func NewDosage() Validator {
	d := Dosage{
		MaxMgPerKg: map[string]float64{
			"acetaminophen": 15,
			"ibuprofen":     10,
			"amoxicillin":   25,
			"morphine":      0.1,
		},
		State: []stateRequirement{
			{field: "patient_weight", required: ConfidenceHigh},
			{field: "lab_results", required: ConfidenceMedium},
		},
	}
	return New(DosageName, DefaultTimeout, d.Check)
}

// Check implements Rule.
func (d Dosage) Check(_ context.Context, a contracts.ActionPrimitive) (Outcome, error) {
	if a.Verb != "administer_medication" {
		return NotApplicable(), nil
	}

	for _, req := range d.State {
		key := req.field + "_age_s"
		if _, ok := a.Parameters[key]; !ok {
			return Fail(citeDosing, "Required state '%s' not available", req.field), nil
		}
		age := time.Duration(a.Float(key, -1) * float64(time.Second))
		if got := Freshness(age); got < req.required {
			return Fail(citeDosing,
				"State '%s' too stale for this action. Required: %s, Actual: %s (age: %.0fs)",
				req.field, req.required, got, age.Seconds()), nil
		}
	}

	drug := strings.ToLower(a.String("drug", ""))
	perKg, ok := d.MaxMgPerKg[drug]
	if !ok {
		return Outcome{}, fmt.Errorf("drug %q not in formulary", drug)
	}
	weight := a.Float("patient_weight_kg", 0)
	if weight <= 0 {
		return Fail(citeDosing, "Patient weight missing or invalid"), nil
	}
	dose := a.Float("dose_mg", 0)
	limit := perKg * weight
	if dose > limit {
		return Fail(citeDosing, "Dose %gmg of %s exceeds maximum %gmg for %gkg patient", dose, drug, limit, weight), nil
	}
	return Pass("Dose %gmg of %s within %gmg limit", dose, drug, limit), nil
}
