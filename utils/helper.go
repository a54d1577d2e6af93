package utils

import (
	"github.com/go-playground/validator/v10"
)

func ProcessValidationErrors(err error) map[string]string {

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"input": err.Error()}
	}

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		switch ve.Tag() {
		case "required":
			errorResponse[ve.Field()] = "is required"
		case "oneof":
			errorResponse[ve.Field()] = "must be one of: " + ve.Param()
		default:
			errorResponse[ve.Field()] = "failed " + ve.Tag() + " validation"
		}
	}

	return errorResponse
}
