package core

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation Code = "VALIDATION"
	CodeNotFound   Code = "NOT_FOUND"
	CodePremature  Code = "PREMATURE_DELIVERY"
	CodeInternal   Code = "INTERNAL"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func Validation(msg string) error {
	return &Error{Code: CodeValidation, Message: msg}
}

func NotFound(msg string) error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func Premature(msg string) error {
	return &Error{Code: CodePremature, Message: msg}
}

func Internal(msg string, cause error) error {
	return &Error{Code: CodeInternal, Message: msg, Cause: cause}
}

func is(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}

func IsValidation(err error) bool { return is(err, CodeValidation) }
func IsNotFound(err error) bool   { return is(err, CodeNotFound) }
func IsPremature(err error) bool  { return is(err, CodePremature) }
