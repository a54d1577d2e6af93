package utils

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestProcessValidationErrorsMapsTags(t *testing.T) {
	type payload struct {
		Title string `validate:"required"`
		Kind  string `validate:"oneof=draft final"`
	}

	err := validator.New().Struct(payload{Kind: "other"})
	if err == nil {
		t.Fatal("expected validation to fail")
	}

	fields := ProcessValidationErrors(err)
	if fields["Title"] != "is required" {
		t.Fatalf("unexpected message for Title: %q", fields["Title"])
	}
	if fields["Kind"] != "must be one of: draft final" {
		t.Fatalf("unexpected message for Kind: %q", fields["Kind"])
	}
}

func TestProcessValidationErrorsFallsBackToPlainError(t *testing.T) {
	fields := ProcessValidationErrors(errors.New("unexpected EOF"))
	if fields["input"] != "unexpected EOF" {
		t.Fatalf("unexpected fallback: %v", fields)
	}
}
