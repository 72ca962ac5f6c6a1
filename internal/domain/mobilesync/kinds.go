package mobilesync

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Kind is one of the canonical entity kinds a device may sync.
type Kind string

const (
	KindPatient        Kind = "patient"
	KindAntenatalVisit Kind = "antenatal_visit"
	KindBirth          Kind = "birth"
	KindDeath          Kind = "death"
	KindDiseaseCase    Kind = "disease_case"
	KindImmunization   Kind = "immunization"
	KindFamilyPlanning Kind = "family_planning"
	KindFacility       Kind = "facility"
)

// kindSpec describes how a kind's JSON payload is checked and indexed.
type kindSpec struct {
	kind      Kind
	wireName  string
	aliases   []string
	required  []string
	dateField string
}

var kindSpecs = []kindSpec{
	{KindPatient, "Patient", nil, []string{"firstName", "lastName"}, "registeredAt"},
	{KindAntenatalVisit, "AntenatalVisit", []string{"Antenatal"}, []string{"patientId"}, "visitDate"},
	{KindBirth, "Birth", nil, []string{"motherId"}, "birthDate"},
	{KindDeath, "Death", []string{"Mortality"}, []string{"deceasedName"}, "dateOfDeath"},
	{KindDiseaseCase, "DiseaseCase", []string{"NotifiableDisease"}, []string{"disease"}, "onsetDate"},
	{KindImmunization, "Immunization", nil, []string{"patientId", "vaccine"}, "administeredAt"},
	{KindFamilyPlanning, "FamilyPlanning", nil, []string{"patientId", "method"}, "visitDate"},
	{KindFacility, "Facility", nil, []string{"name"}, ""},
}

var (
	kindsByName = map[string]*kindSpec{}
	kindsByKind = map[Kind]*kindSpec{}
)

func init() {
	for i := range kindSpecs {
		s := &kindSpecs[i]
		kindsByKind[s.kind] = s
		kindsByName[foldName(string(s.kind))] = s
		kindsByName[foldName(s.wireName)] = s
		for _, a := range s.aliases {
			kindsByName[foldName(a)] = s
		}
	}
}

func foldName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "").Replace(s)
}

// ParseKind resolves a client-supplied entity type. Matching ignores case,
// underscores and hyphens.
func ParseKind(name string) (Kind, error) {
	s, ok := kindsByName[foldName(name)]
	if !ok {
		return "", &ValidationError{Field: "entityType", Message: fmt.Sprintf("unsupported entity type %q", name)}
	}
	return s.kind, nil
}

// Kinds lists every registered kind.
func Kinds() []Kind {
	out := make([]Kind, len(kindSpecs))
	for i, s := range kindSpecs {
		out[i] = s.kind
	}
	return out
}

func (k Kind) spec() *kindSpec {
	return kindsByKind[k]
}

// WireName is the entity type name sent back to devices.
func (k Kind) WireName() string {
	if s := k.spec(); s != nil {
		return s.wireName
	}
	return string(k)
}

// DateField is the payload field copied to occurred_at, if any.
func (k Kind) DateField() string {
	if s := k.spec(); s != nil {
		return s.dateField
	}
	return ""
}

// Validate checks the payload against the kind's required fields and date
// format.
func (k Kind) Validate(data map[string]interface{}) error {
	s := k.spec()
	if s == nil {
		return &ValidationError{Field: "entityType", Message: fmt.Sprintf("unsupported entity type %q", k)}
	}
	if len(data) == 0 {
		return &ValidationError{Field: "data", Message: "data is required"}
	}
	var missing []string
	for _, f := range s.required {
		v, ok := data[f]
		if !ok || v == nil {
			missing = append(missing, f)
			continue
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Field: "data", Message: fmt.Sprintf("%s requires %s", s.wireName, strings.Join(missing, ", "))}
	}
	if s.dateField != "" {
		if v, ok := data[s.dateField]; ok && v != nil {
			if _, err := parseDate(v); err != nil {
				return &ValidationError{Field: "data." + s.dateField, Message: err.Error()}
			}
		}
	}
	return nil
}

// Extract returns the indexed columns of a payload: the facility and the
// kind's event date.
func (k Kind) Extract(data map[string]interface{}) (facilityID *string, occurredAt *time.Time) {
	if v, ok := data["facilityId"].(string); ok && v != "" {
		facilityID = &v
	}
	if k == KindFacility {
		if v, ok := data["code"].(string); ok && v != "" {
			facilityID = &v
		}
	}
	if f := k.DateField(); f != "" {
		if v, ok := data[f]; ok && v != nil {
			if t, err := parseDate(v); err == nil {
				occurredAt = &t
			}
		}
	}
	return facilityID, occurredAt
}

// Diff returns the sorted field names whose values differ between a and b.
func Diff(a, b map[string]interface{}) []string {
	seen := map[string]bool{}
	var out []string
	for key, av := range a {
		seen[key] = true
		if bv, ok := b[key]; !ok || !reflect.DeepEqual(av, bv) {
			out = append(out, key)
		}
	}
	for key := range b {
		if !seen[key] {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Merge overlays patch on base without modifying either.
func Merge(base, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func parseDate(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("date must be a string")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}
