package apperrors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

// Kind groups error codes by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUnavailable
	KindAuth
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

type Code string

const (
	CodeValidation              Code = "VALIDATION_FAILED"
	CodeOrderNotFound           Code = "ORDER_NOT_FOUND"
	CodeItemsNotFound           Code = "ITEMS_NOT_FOUND"
	CodeThreadNotFound          Code = "THREAD_NOT_FOUND"
	CodeInvalidStatusTransition Code = "INVALID_STATUS_TRANSITION"
	CodeQuoteNotRequired        Code = "QUOTE_NOT_REQUIRED"
	CodeItemUnavailable         Code = "ITEM_UNAVAILABLE"
	CodeColorNotAvailable       Code = "COLOR_NOT_AVAILABLE"
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodeForbidden               Code = "FORBIDDEN"
	CodeStoreUnavailable        Code = "STORE_UNAVAILABLE"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeInternal                Code = "INTERNAL_ERROR"
)

type Metadata struct {
	Kind          Kind
	HTTPStatus    int
	Retryable     bool
	PublicMessage string
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:              {Kind: KindValidation, HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed"},
	CodeOrderNotFound:           {Kind: KindNotFound, HTTPStatus: http.StatusNotFound, PublicMessage: "order not found"},
	CodeItemsNotFound:           {Kind: KindNotFound, HTTPStatus: http.StatusNotFound, PublicMessage: "catalog items not found"},
	CodeThreadNotFound:          {Kind: KindNotFound, HTTPStatus: http.StatusNotFound, PublicMessage: "conversation not found"},
	CodeInvalidStatusTransition: {Kind: KindConflict, HTTPStatus: http.StatusConflict, PublicMessage: "status transition not allowed"},
	CodeQuoteNotRequired:        {Kind: KindConflict, HTTPStatus: http.StatusConflict, PublicMessage: "order does not require a quote"},
	CodeItemUnavailable:         {Kind: KindUnavailable, HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "item is not available"},
	CodeColorNotAvailable:       {Kind: KindUnavailable, HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "color is not available"},
	CodeUnauthorized:            {Kind: KindAuth, HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication required"},
	CodeForbidden:               {Kind: KindAuth, HTTPStatus: http.StatusForbidden, PublicMessage: "access denied"},
	CodeStoreUnavailable:        {Kind: KindTransient, HTTPStatus: http.StatusServiceUnavailable, Retryable: true, PublicMessage: "storage temporarily unavailable"},
	CodeRateLimited:             {Kind: KindTransient, HTTPStatus: http.StatusTooManyRequests, Retryable: true, PublicMessage: "rate limit exceeded"},
	CodeInternal:                {Kind: KindInternal, HTTPStatus: http.StatusInternalServerError, PublicMessage: "internal server error"},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Kind() Kind {
	return MetadataFor(e.Code()).Kind
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// KindOf reports the kind of err; untyped errors are internal.
func KindOf(err error) Kind {
	if typed := As(err); typed != nil {
		return typed.Kind()
	}
	return KindInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

func IsRetryable(err error) bool {
	if typed := As(err); typed != nil {
		return MetadataFor(typed.code).Retryable
	}
	return false
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func Transient(err error, message string) *Error {
	return Wrap(CodeStoreUnavailable, err, message)
}
