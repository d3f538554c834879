package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"shopline/internal/domain"
	apperrors "shopline/internal/errors"
)

// statusForm carries the per-status field rules of a status record.
type statusForm struct {
	MachineID string `json:"machineId" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=Idle Setup Testing Stopped"`
	Reason    string `json:"reason" validate:"required_if=Status Stopped"`
	Product   string `json:"product" validate:"required_if=Status Testing"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c *Coordinator) checkForm(item domain.TimelineItem) error {
	form := statusForm{
		MachineID: item.MachineID,
		Status:    string(item.Status),
		Reason:    strings.TrimSpace(item.Reason()),
		Product:   strings.TrimSpace(item.Product()),
	}
	err := c.validate.Struct(form)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validation failed: %w", err)
	}
	out := &apperrors.FormError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, apperrors.FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: formMessage(fe, form.Status),
		})
	}
	return out
}

func formMessage(fe validator.FieldError, status string) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when status is %s", status)
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	}
	return fmt.Sprintf("failed %s", fe.Tag())
}
