/*Package validation runs field-level rule sets against request payloads.

Rules are declared per field as validator/v10 tag strings, for example
"required,email" or "omitempty,uuid". Rule execution yields structured
field errors which keep the rule name, so API clients can react to
individual rule failures.
*/
package validation

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Rules maps field names to rule tag strings.
type Rules map[string]string

// Merge returns a new rule set with the entries of both rule sets. Entries
// of other win on conflict.
func (r Rules) Merge(other Rules) Rules {
	merged := Rules{}
	for field, tag := range r {
		merged[field] = tag
	}
	for field, tag := range other {
		merged[field] = tag
	}
	return merged
}

// LimitToKeys returns a new rule set reduced to the fields present in the
// entity. This implements partial-update semantics: fields the request does
// not touch are not re-validated.
func (r Rules) LimitToKeys(entity map[string]interface{}) Rules {
	limited := Rules{}
	for field, tag := range r {
		if _, ok := entity[field]; ok {
			limited[field] = tag
		}
	}
	return limited
}

// Validator executes rule sets. The zero value is not usable, create one
// with NewValidator.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a rule validator.
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// ValidateEntity validates the entity against the rule set. A nil return
// means the entity is valid. The optional existing record is merged under
// the entity before validation, so rules on fields an update does not
// touch run against the stored values instead of failing on absence.
func (v *Validator) ValidateEntity(entity map[string]interface{}, rules Rules, existing map[string]interface{}) *Error {
	if existing != nil {
		merged := make(map[string]interface{}, len(existing)+len(entity))
		for field, value := range existing {
			merged[field] = value
		}
		for field, value := range entity {
			merged[field] = value
		}
		entity = merged
	}

	ruleMap := make(map[string]interface{}, len(rules))
	for field, tag := range rules {
		if tag == "" {
			continue
		}
		ruleMap[field] = tag
	}
	if len(ruleMap) == 0 {
		return nil
	}

	// ValidateMap wants every ruled field present; absent fields
	// validate as nil so that "required" can catch them.
	data := make(map[string]interface{}, len(ruleMap))
	for field := range ruleMap {
		data[field] = entity[field]
	}

	results := v.validate.ValidateMap(data, ruleMap)
	if len(results) == 0 {
		return nil
	}

	verr := NewError()
	for field, result := range results {
		fieldErrors, ok := result.(validator.ValidationErrors)
		if !ok {
			verr.Add(field, "invalid", fmt.Sprintf("The %s field could not be validated.", field))
			continue
		}
		for _, fe := range fieldErrors {
			verr.Add(field, fe.Tag(), ruleMessage(field, fe.Tag(), fe.Param()))
		}
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

// ValidateCollection validates every entity of the collection against the
// rule set produced by rulesFor. The optional existingFor supplies the
// stored record hydrating each position. The returned error list mirrors
// the input order exactly, with nil at positions that validated
// successfully. The second return value is true when at least one entity
// failed.
func (v *Validator) ValidateCollection(collection []map[string]interface{},
	rulesFor func(i int, entity map[string]interface{}) Rules,
	existingFor func(i int) map[string]interface{}) (ErrorList, bool) {

	errs := make(ErrorList, len(collection))
	failed := false
	for i, entity := range collection {
		var existing map[string]interface{}
		if existingFor != nil {
			existing = existingFor(i)
		}
		if verr := v.ValidateEntity(entity, rulesFor(i, entity), existing); verr != nil {
			errs[i] = verr
			failed = true
		}
	}
	return errs, failed
}

func ruleMessage(field, rule, param string) string {
	switch rule {
	case "required":
		return fmt.Sprintf("The %s field is required.", field)
	case "uuid", "uuid4":
		return fmt.Sprintf("The %s field must be a valid UUID.", field)
	case "email":
		return fmt.Sprintf("The %s field must be a valid email address.", field)
	case "max":
		return fmt.Sprintf("The %s field may not be greater than %s.", field, param)
	case "min":
		return fmt.Sprintf("The %s field must be at least %s.", field, param)
	case "notFound":
		return fmt.Sprintf("The selected %s was not found.", field)
	default:
		return fmt.Sprintf("The %s field failed the %s rule.", field, rule)
	}
}
