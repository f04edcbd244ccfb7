package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	validator "github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validator returns the shared struct validator.
func Validator() *validator.Validate { return validate }

// DecodeJSON decodes a JSON request body into dst and validates it using its
// `validate` struct tags. Failures are returned as VALIDATION_ERROR.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return NewAppError("VALIDATION_ERROR", "request body is required", http.StatusBadRequest, err)
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return NewAppError("PAYLOAD_TOO_LARGE", "request body too large", http.StatusRequestEntityTooLarge, err)
		}
		return NewAppError("VALIDATION_ERROR", "malformed JSON body", http.StatusBadRequest, err)
	}
	return ValidateStruct(dst)
}

// ValidateStruct runs struct tag validation and reports field errors as details.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewAppError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest, err)
	}
	details := make(map[string]string, len(fieldErrs))
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		details[field] = rule
		msgs = append(msgs, fmt.Sprintf("%s failed %s", field, rule))
	}
	return NewAppError("VALIDATION_ERROR", strings.Join(msgs, "; "), http.StatusBadRequest, err).WithDetails(details)
}
