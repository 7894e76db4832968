package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("not_found", "paste not found", http.StatusNotFound)
	ErrSizeInvalid        = NewErr("size_invalid", "ciphertext or iv out of bounds", http.StatusBadRequest)
	ErrExpiryTooSoon      = NewErr("expiry_too_soon", "expiry below minimum horizon", http.StatusBadRequest)
	ErrViewsInvalid       = NewErr("size_invalid", "views allowed must be positive", http.StatusBadRequest)
	ErrRateLimited        = NewErr("rate_limited", "rate limit exceeded", http.StatusTooManyRequests)
	ErrPowRequired        = NewErr("pow_required", "proof of work required", http.StatusBadRequest)
	ErrPowInvalid         = NewErr("pow_invalid", "proof of work rejected", http.StatusBadRequest)
	ErrMissingToken       = NewErr("missing_token", "deletion token required", http.StatusBadRequest)
	ErrInvalidToken       = NewErr("invalid_token", "deletion rejected", http.StatusForbidden)
	ErrInvalidRequest     = NewErr("invalid_request", "invalid request", http.StatusBadRequest)
	ErrIDGenerationFailed = NewErr("internal_error", "id generation failed", http.StatusInternalServerError)
	ErrInternalServer     = NewErr("internal_error", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}

type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "internal_error", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
