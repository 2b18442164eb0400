package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator validates structs using `validate` tags.
//
// Supported rules: required, numeric, min=N, max=N, len=N and oneof=a b c.
// min, max and len count characters for strings and elements for slices and
// maps, and compare the value for numbers.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%s: %w", fieldName(fieldType), err)
		}
	}

	return nil
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	for _, rule := range strings.Split(tag, ",") {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]
		param := ""
		if len(parts) == 2 {
			param = parts[1]
		}

		// 可选字段为空时跳过其余规则
		if ruleName != "required" && isEmpty(field) {
			continue
		}

		switch ruleName {
		case "required":
			if isEmpty(field) {
				return fmt.Errorf("field is required")
			}

		case "numeric":
			if field.Kind() == reflect.String {
				if _, err := strconv.ParseUint(field.String(), 10, 64); err != nil {
					return fmt.Errorf("must contain only digits")
				}
			}

		case "min", "max", "len":
			n, err := strconv.ParseFloat(param, 64)
			if err != nil {
				return fmt.Errorf("invalid %s parameter %q", ruleName, param)
			}
			size, ok := measure(field)
			if !ok {
				continue
			}
			switch {
			case ruleName == "min" && size < n:
				return fmt.Errorf("minimum is %s", param)
			case ruleName == "max" && size > n:
				return fmt.Errorf("maximum is %s", param)
			case ruleName == "len" && size != n:
				return fmt.Errorf("length must be %s", param)
			}

		case "oneof":
			if field.Kind() != reflect.String {
				continue
			}
			allowed := strings.Fields(param)
			ok := false
			for _, a := range allowed {
				if field.String() == a {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
			}
		}
	}

	return nil
}

func isEmpty(field reflect.Value) bool {
	switch field.Kind() {
	case reflect.Ptr, reflect.Interface:
		return field.IsNil()
	default:
		return field.IsZero()
	}
}

// measure returns the length or numeric value a size rule compares against
func measure(field reflect.Value) (float64, bool) {
	switch field.Kind() {
	case reflect.String:
		return float64(len([]rune(field.String()))), true
	case reflect.Slice, reflect.Map, reflect.Array:
		return float64(field.Len()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), true
	case reflect.Float32, reflect.Float64:
		return field.Float(), true
	case reflect.Ptr:
		if field.IsNil() {
			return 0, false
		}
		return measure(field.Elem())
	default:
		return 0, false
	}
}

// fieldName prefers the JSON name so errors match request bodies
func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		if name := strings.Split(tag, ",")[0]; name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}
