package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report json field names instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", notBlank)
	return v
}

func notBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// Validate runs struct tag validation on v.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("validation: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// ValidatePayload checks the fields each action type requires.
func ValidatePayload(t ActionType, p ActionPayload) error {
	if err := Validate(p); err != nil {
		return err
	}
	switch t {
	case ActionCheckIn:
		if p.SchoolID == "" {
			return errors.New("check-in requires school_id")
		}
	case ActionCheckOut, ActionSessionUpdate:
		if p.SessionID == "" {
			return fmt.Errorf("%s requires session_id", t)
		}
	case ActionLocationUpdate:
		if p.Location == nil {
			return errors.New("location-update requires location")
		}
	default:
		return fmt.Errorf("unknown action type: %s", t)
	}
	return nil
}
