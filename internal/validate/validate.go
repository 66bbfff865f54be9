package validate

import (
	"errors"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/phenrril/ecomcore/internal/domain"
)

type FieldError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param,omitempty"`
}

var v = validator.New(validator.WithRequiredStructEnabled())

func init() {
	_ = v.RegisterValidation("uuid_required", func(fl validator.FieldLevel) bool {
		if id, ok := fl.Field().Interface().(uuid.UUID); ok {
			return id != uuid.Nil
		}
		return false
	})
	// decimals are validated through their string form
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsNegative() && d.Exponent() >= -2
	})
}

// Fields returns one entry per failed rule.
func Fields(data any) []FieldError {
	err := v.Struct(data)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "", Tag: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.StructNamespace(), Tag: fe.Tag(), Param: fe.Param()})
	}
	return out
}

// Struct validates data and returns a domain validation error listing the
// failed fields.
func Struct(data any) error {
	fields := Fields(data)
	if len(fields) == 0 {
		return nil
	}
	details := make(map[string]string, len(fields))
	for _, f := range fields {
		d := f.Tag
		if f.Param != "" {
			d += "=" + f.Param
		}
		details[f.Field] = d
	}
	return domain.NewValidationError("invalid input", details)
}
