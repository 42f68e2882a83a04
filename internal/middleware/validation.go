package middleware

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	apierrors "cyclerdata/internal/errors"
	"cyclerdata/internal/files"
)

// Validator checks request parameters against struct tags and reports
// failures as 400 problem details listing each rejected field
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator with the archive and channel rules
// registered. Field names in errors come from the `query` tag.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("archive", isArchiveName)
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return &Validator{validate: v}
}

// Struct validates s. instance is the request path placed in the problem.
func (v *Validator) Struct(instance string, s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err
	}

	fields := make([]apierrors.ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apierrors.ValidationError{
			Field:   fe.Field(),
			Message: fieldMessage(fe),
		})
	}
	return apierrors.BadRequest(instance, "Invalid request parameters", fields...)
}

// Int parses an optional integer parameter. Empty yields def.
func (v *Validator) Int(instance, param, value string, def int) (int, error) {
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, apierrors.BadRequest(instance, "Invalid request parameters", apierrors.ValidationError{
			Field:   param,
			Message: param + " must be an integer",
		})
	}
	return n, nil
}

func fieldMessage(fe validator.FieldError) string {
	field, param := fe.Field(), fe.Param()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "archive":
		return fmt.Sprintf("%s must be an archive file name (%s)", field, strings.Join(files.ArchiveExtensions, ", "))
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// isArchiveName accepts bare file names with an archive extension
func isArchiveName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" || len(name) > 255 {
		return false
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}
	return files.IsArchive(name)
}
