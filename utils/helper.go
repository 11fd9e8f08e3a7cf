package utils

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// GetValidator returns the shared validator; field names come from json tags.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

type FieldViolation struct {
	Field string
	Tag   string
	Param string
}

// ValidateStruct runs the struct's validate tags and flattens the failures.
// A non-validation error (bad input type) comes back as err.
func ValidateStruct(v any) ([]FieldViolation, error) {
	err := GetValidator().Struct(v)
	if err == nil {
		return nil, nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil, err
	}
	out := make([]FieldViolation, 0, len(validationErrors))
	for _, ve := range validationErrors {
		out = append(out, FieldViolation{Field: ve.Field(), Tag: ve.Tag(), Param: ve.Param()})
	}
	return out, nil
}

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

// returns slice removing duplicate elements
func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			// if not exists in map, append it, otherwise do nothing
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

func NewString(s string) *string {
	return &s
}

func NewInt64(v int64) *int64 {
	return &v
}

// SplitAndTrim splits a comma separated list, dropping blank entries.
func SplitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
