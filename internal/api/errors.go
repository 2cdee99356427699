package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/kenneth/secure-image-vault/internal/crypto"
	"github.com/kenneth/secure-image-vault/internal/decrypt"
	"github.com/kenneth/secure-image-vault/internal/identity"
	"github.com/kenneth/secure-image-vault/internal/keys"
	"github.com/kenneth/secure-image-vault/internal/records"
	"github.com/kenneth/secure-image-vault/internal/storage"
	"github.com/kenneth/secure-image-vault/internal/upload"
	"github.com/kenneth/secure-image-vault/internal/validation"
)

// APIError is the JSON error body returned by every handler.
type APIError struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Reasons    []string `json:"reasons,omitempty"`
	Resource   string   `json:"resource,omitempty"`
	RequestID  string   `json:"requestId,omitempty"`
	HTTPStatus int      `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes {"error": e} with e.HTTPStatus.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]*APIError{"error": e})
}

func (e *APIError) with(resource, requestID string) *APIError {
	cp := *e
	cp.Resource = resource
	cp.RequestID = requestID
	return &cp
}

// TranslateError maps domain errors to API errors. Internal details are not
// echoed back for 5xx responses.
func TranslateError(err error, resource string) *APIError {
	if err == nil {
		return nil
	}

	var verr *validation.Error
	if errors.As(err, &verr) {
		return &APIError{
			Code:       "ValidationFailed",
			Message:    "Validation failed",
			Reasons:    verr.Reasons,
			Resource:   resource,
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	}

	var terr *upload.TransmissionError
	switch {
	case errors.Is(err, upload.ErrNoFile):
		return ErrNoFile.with(resource, "")
	case errors.Is(err, upload.ErrAttemptInFlight):
		return ErrUploadInFlight.with(resource, "")
	case errors.Is(err, upload.ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrRequestTimeout.with(resource, "")
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, records.ErrNotFound):
		return ErrNoSuchFile.with(resource, "")
	case errors.Is(err, identity.ErrNoUser), errors.Is(err, identity.ErrInvalidToken):
		return ErrUnauthorized.with(resource, "")
	case errors.Is(err, identity.ErrForbidden), errors.Is(err, crypto.ErrUserVerificationFailed):
		return ErrAccessDenied.with(resource, "")
	case errors.Is(err, crypto.ErrDataExpired):
		return ErrExpired.with(resource, "")
	case errors.Is(err, decrypt.ErrIntegrity):
		return ErrIntegrity.with(resource, "")
	case errors.Is(err, records.ErrInvalidStatus):
		return ErrInvalidRequest.with(resource, "")
	case errors.Is(err, keys.ErrKeyNotFound), errors.Is(err, keys.ErrSecretNotFound):
		return ErrKeyUnavailable.with(resource, "")
	case errors.Is(err, crypto.ErrDecryption):
		return ErrDecryptionFailed.with(resource, "")
	case errors.As(err, &terr):
		return ErrStorageUnavailable.with(resource, "")
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNoSuchFile.with(resource, "")
		case "AccessDenied", "SlowDown", "ServiceUnavailable":
			return ErrStorageUnavailable.with(resource, "")
		}
	}

	return ErrInternal.with(resource, "")
}

// Predefined API errors.
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNoFile = &APIError{
		Code:       "NoFile",
		Message:    "Please select an image file first.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrPayloadTooLarge = &APIError{
		Code:       "PayloadTooLarge",
		Message:    "Request body exceeds the upload limit",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrUnauthorized = &APIError{
		Code:       "Unauthorized",
		Message:    "Authentication required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrAccessDenied = &APIError{
		Code:       "AccessDenied",
		Message:    "Access denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrNoSuchFile = &APIError{
		Code:       "NoSuchFile",
		Message:    "The specified file does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	ErrRequestTimeout = &APIError{
		Code:       "RequestCancelled",
		Message:    "Request was cancelled or timed out",
		HTTPStatus: http.StatusRequestTimeout,
	}

	ErrUploadInFlight = &APIError{
		Code:       "UploadInProgress",
		Message:    "An upload for this file is already in progress",
		HTTPStatus: http.StatusConflict,
	}

	ErrExpired = &APIError{
		Code:       "Expired",
		Message:    "The encrypted data is older than the maximum age",
		HTTPStatus: http.StatusGone,
	}

	ErrIntegrity = &APIError{
		Code:       "IntegrityCheckFailed",
		Message:    "Decrypted content does not match its recorded hash",
		HTTPStatus: http.StatusConflict,
	}

	ErrDecryptionFailed = &APIError{
		Code:       "DecryptionFailed",
		Message:    "The file could not be decrypted",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrKeyUnavailable = &APIError{
		Code:       "KeyUnavailable",
		Message:    "Key material is unavailable",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrStorageUnavailable = &APIError{
		Code:       "StorageUnavailable",
		Message:    "Upload failed. Please try again.",
		HTTPStatus: http.StatusBadGateway,
	}

	ErrInternal = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
