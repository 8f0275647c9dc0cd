package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Reason string

const (
	ReasonEmptyFrame       Reason = "empty_frame"
	ReasonMalformedFrame   Reason = "malformed_frame"
	ReasonUnknownType      Reason = "unknown_type"
	ReasonInvalidTimestamp Reason = "invalid_timestamp"
	ReasonInvalidData      Reason = "invalid_data"
	ReasonMissingField     Reason = "missing_field"
	ReasonInvalidField     Reason = "invalid_field"
	ReasonTypeMismatch     Reason = "type_mismatch"
)

type ValidationError struct {
	Reason  Reason
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("envelope rejected (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("envelope rejected (%s) for field '%s': %s", e.Reason, e.Field, e.Message)
}

type jsonKind int

const (
	kindString jsonKind = iota
	kindNumber
	kindArray
	kindObject
)

func (k jsonKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindNumber:
		return "number"
	case kindArray:
		return "array"
	default:
		return "object"
	}
}

type schemaField struct {
	name string
	kind jsonKind
}

// schemas lists the keys each payload must carry and their JSON kind.
// Struct tags cannot tell a missing number from a zero, so presence is
// checked on the raw object before unmarshalling.
var schemas = map[Type][]schemaField{
	TypeConnectionEstablished: {{"clientId", kindString}},
	TypeClientIdentification:  {{"clientType", kindString}, {"userId", kindString}, {"timestamp", kindString}},
	TypeLiveHealthUpdate: {
		{"type", kindString}, {"value", kindNumber}, {"unit", kindString},
		{"timestamp", kindString}, {"source", kindString},
	},
	TypeHistoricalDataUpdate: {{"items", kindArray}},
	TypeEmergencyAlert: {
		{"kind", kindString}, {"severity", kindString}, {"message", kindString}, {"timestamp", kindString},
	},
	TypePing:  {{"timestamp", kindString}},
	TypePong:  {{"timestamp", kindString}},
	TypeError: {{"message", kindString}},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func checkSchema(t Type, raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return &ValidationError{Reason: ReasonInvalidData, Field: "data", Message: "data must be a JSON object"}
	}

	for _, f := range schemas[t] {
		value, ok := fields[f.name]
		if !ok {
			return &ValidationError{Reason: ReasonMissingField, Field: f.name, Message: "field is required"}
		}
		if kindOf(value) != f.kind {
			return &ValidationError{
				Reason:  ReasonInvalidField,
				Field:   f.name,
				Message: fmt.Sprintf("expected %s", f.kind),
			}
		}
	}
	return nil
}

func kindOf(raw json.RawMessage) jsonKind {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return -1
	}
	switch c := trimmed[0]; {
	case c == '"':
		return kindString
	case c == '[':
		return kindArray
	case c == '{':
		return kindObject
	case c == '-' || (c >= '0' && c <= '9'):
		return kindNumber
	default:
		return -1
	}
}

// Validate applies the payload constraints Decode and Marshal enforce, for
// payloads that arrive by other means than a live frame.
func Validate(p Payload) error {
	if p == nil {
		return &ValidationError{Reason: ReasonInvalidData, Field: "data", Message: "payload is required"}
	}
	return validatePayload(deref(p))
}

func validatePayload(p Payload) error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if ok := asValidationErrors(err, &fieldErrs); ok && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{
			Reason:  ReasonInvalidField,
			Field:   fieldPath(fe.Namespace()),
			Message: fmt.Sprintf("failed '%s' constraint", fe.Tag()),
		}
	}
	return &ValidationError{Reason: ReasonInvalidData, Field: "data", Message: err.Error()}
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}

// fieldPath drops the struct name prefix: "LiveHealthUpdate.unit" -> "unit".
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
