package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/zk-share/internal/blobstore"
	"github.com/kenneth/zk-share/internal/zkerr"
)

// APIError is a blob API error response.
type APIError struct {
	Code       string
	Message    string
	HTTPStatus int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error as {"error":{"code":...,"message":...}}.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	var body blobstore.ErrorBody
	body.Error.Code = e.Code
	body.Error.Message = e.Message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(body)
}

// TranslateError maps store and encoding errors onto API errors. Messages
// never echo request data.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, zkerr.ErrNotFound), errors.Is(err, blobstore.ErrInvalidID):
		return ErrNoSuchBlob
	case errors.Is(err, blobstore.ErrTooLarge):
		return ErrBlobTooLarge
	case errors.Is(err, blobstore.ErrStoreFull):
		return ErrStoreFull
	case errors.Is(err, zkerr.ErrMalformedEncoding):
		return ErrMalformedMetadata
	}

	return &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined API errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingMetadata = &APIError{
		Code:       "MissingMetadata",
		Message:    "The X-Encryption-Metadata header is required.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMalformedMetadata = &APIError{
		Code:       "MalformedMetadata",
		Message:    "The encryption metadata is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNoSuchBlob = &APIError{
		Code:       "NoSuchBlob",
		Message:    "The blob does not exist or has expired.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrBlobTooLarge = &APIError{
		Code:       "BlobTooLarge",
		Message:    "The blob exceeds the maximum allowed size.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrStoreFull = &APIError{
		Code:       "StoreFull",
		Message:    "The blob store is full. Try again later.",
		HTTPStatus: http.StatusInsufficientStorage,
	}

	ErrMethodNotAllowed = &APIError{
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource.",
		HTTPStatus: http.StatusMethodNotAllowed,
	}
)
