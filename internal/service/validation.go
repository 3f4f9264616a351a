package service

import (
	"errors"
	"fmt"
	"html"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	"github.com/noah-isme/complaint-desk-api/internal/models"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
)

var (
	complaintCategories = map[models.ComplaintCategory]struct{}{
		models.CategoryAcademic:       {},
		models.CategoryAdministrative: {},
		models.CategoryTechnical:      {},
		models.CategoryInfrastructure: {},
		models.CategoryFacilities:     {},
		models.CategoryFinancial:      {},
		models.CategoryHarassment:     {},
		models.CategoryOther:          {},
	}
	complaintPriorities = map[models.ComplaintPriority]struct{}{
		models.PriorityLow:    {},
		models.PriorityMedium: {},
		models.PriorityHigh:   {},
		models.PriorityUrgent: {},
	}
	stripPolicy = bluemonday.StrictPolicy()
)

// NewValidator returns a validator that knows the complaint enums and reports json field names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("complaint_category", func(fl validator.FieldLevel) bool {
		_, ok := complaintCategories[models.ComplaintCategory(fl.Field().String())]
		return ok
	})
	_ = v.RegisterValidation("complaint_priority", func(fl validator.FieldLevel) bool {
		_, ok := complaintPriorities[models.ComplaintPriority(fl.Field().String())]
		return ok
	})
	_ = v.RegisterValidation("complaint_status", func(fl validator.FieldLevel) bool {
		return models.ComplaintStatus(fl.Field().String()).Valid()
	})
	return v
}

// validationError converts validator output into a field-level VALIDATION_ERROR.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return appErrors.Clone(appErrors.ErrValidation, "invalid payload")
	}
	details := make([]appErrors.FieldError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, appErrors.FieldError{Field: fieldPath(fe), Message: fieldMessage(fe)})
	}
	return appErrors.Validation("invalid payload", details...)
}

// fieldPath drops the root struct name: "CreateComplaintRequest.contactInfo.email" becomes "contactInfo.email".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "email":
		return "must be a valid email address"
	case "complaint_category":
		return "is not a supported category"
	case "complaint_priority":
		return "must be one of low, medium, high, urgent"
	case "complaint_status":
		return "must be one of pending, in_progress, resolved, rejected, closed"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// plainText strips markup and surrounding whitespace from user supplied text.
func plainText(raw string) string {
	return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(raw)))
}
