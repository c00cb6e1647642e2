// Package validation checks extracted document fields against per-country
// format rules. The engine is a pure function over its inputs: no I/O, no
// shared mutable state, safe for concurrent use by any number of workers.
package validation

import (
	"regexp"
	"strings"

	"github.com/atlasreg/carte-extractor/internal/model"
)

const (
	messageValid   = "Valid"
	messageInvalid = "Invalid format"
)

var (
	// Registration number formats differ structurally per country.
	frPlateNew = regexp.MustCompile(`^[A-Z]{2}-\d{3}-[A-Z]{2}$`)  // AB-123-CD (SIV, 2009+)
	frPlateOld = regexp.MustCompile(`^\d{1,4}\s[A-Z]{2}\s\d{2}$`) // 1234 AB 56 (FNI)
	tnPlate    = regexp.MustCompile(`^\d{1,3}\sTUN\s\d{1,4}$`)    // 123 TUN 4567

	datePattern    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	vinPattern     = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`) // 17 chars, no I/O/Q
	numericPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// numericFieldMarkers flags power/mass/weight-class fields by substring.
var numericFieldMarkers = []string{
	"puissance",
	"cylindree",
	"masse",
	"ptac",
	"poids",
	"charge_utile",
	"co2",
	"nombre_places",
}

// rule pairs a field-name predicate with the check applied to the value.
// Rules are evaluated top to bottom; the first matching predicate wins,
// which keeps category tie-breaking deterministic.
type rule struct {
	matches func(name string) bool
	check   func(value, countryCode string) bool
}

var rules = []rule{
	{
		matches: func(name string) bool { return name == "numero_immatriculation" },
		check: func(value, countryCode string) bool {
			switch countryCode {
			case "FR":
				return frPlateNew.MatchString(value) || frPlateOld.MatchString(value)
			case "TN":
				return tnPlate.MatchString(value)
			}
			return true
		},
	},
	{
		matches: func(name string) bool { return strings.Contains(name, "date") },
		check:   func(value, _ string) bool { return datePattern.MatchString(value) },
	},
	{
		// VIN carrier field: numero_identification on FR documents,
		// numero_serie on TN documents.
		matches: func(name string) bool {
			return name == "numero_identification" || name == "numero_serie"
		},
		check: func(value, _ string) bool { return vinPattern.MatchString(value) },
	},
	{
		matches: func(name string) bool {
			for _, marker := range numericFieldMarkers {
				if strings.Contains(name, marker) {
					return true
				}
			}
			return false
		},
		check: func(value, _ string) bool { return numericPattern.MatchString(value) },
	},
}

// ValidateField checks a single field value against the first matching rule
// category. A nil value is always valid (optionality lives in the schema,
// not here), and a field with no applicable rule passes by default.
func ValidateField(name string, value *string, countryCode string) bool {
	if value == nil {
		return true
	}
	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))
	for _, r := range rules {
		if r.matches(name) {
			return r.check(*value, countryCode)
		}
	}
	return true
}

// Validate produces one report entry per input field. Fields the AI returned
// that are not part of the target schema are still checked: category matching
// is by name, not by schema membership.
func Validate(fields model.Fields, countryCode string) model.ValidationReport {
	report := make(model.ValidationReport, len(fields))
	for name, value := range fields {
		ok := ValidateField(name, value, countryCode)
		message := messageValid
		if !ok {
			message = messageInvalid
		}
		report[name] = model.FieldValidation{
			Value:   value,
			IsValid: ok,
			Message: message,
		}
	}
	return report
}
