package api

import (
	"errors"
	"net/http"

	"github.com/oyerindedaniel/stream-forge/internal/objectstore"
	"github.com/oyerindedaniel/stream-forge/internal/store"
	"github.com/oyerindedaniel/stream-forge/internal/upload"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	CurrentStatus string `json:"currentStatus,omitempty"`
	PartNumber    int    `json:"partNumber,omitempty"`
	Expected      string `json:"expected,omitempty"`
	Received      string `json:"received,omitempty"`
	MaxParts      int    `json:"maxParts,omitempty"`
	MaxSize       int64  `json:"maxSize,omitempty"`
}

// WriteDomainError maps the error taxonomy onto HTTP statuses and the
// structured JSON body.
func WriteDomainError(w http.ResponseWriter, err error) {
	status, body := classifyError(err)
	writeJSON(w, status, body)
}

func classifyError(err error) (int, errorBody) {
	var (
		validation  *upload.ValidationError
		partsLimit  *upload.PartsLimitError
		tooLarge    *upload.FileTooLargeError
		mismatch    *upload.ChecksumMismatchError
		conflict    *store.StateConflictError
		storageFail *objectstore.Error
	)
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, errorBody{
			Error:   "file_too_large",
			Message: tooLarge.Error(),
			MaxSize: tooLarge.MaxSize,
		}
	case errors.As(err, &partsLimit):
		return http.StatusBadRequest, errorBody{
			Error:    "parts_limit",
			Message:  partsLimit.Error(),
			MaxParts: partsLimit.MaxParts,
		}
	case errors.As(err, &mismatch):
		return http.StatusBadRequest, errorBody{
			Error:      "checksum_mismatch",
			Message:    mismatch.Error(),
			PartNumber: mismatch.PartNumber,
			Expected:   mismatch.Expected,
			Received:   mismatch.Actual,
		}
	case errors.Is(err, upload.ErrUploadExpired):
		return http.StatusBadRequest, errorBody{
			Error:   "upload_expired",
			Message: err.Error(),
		}
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorBody{
			Error:   "validation_error",
			Message: validation.Message,
		}
	case errors.As(err, &conflict):
		return http.StatusBadRequest, errorBody{
			Error:         "state_conflict",
			Message:       conflict.Error(),
			CurrentStatus: string(conflict.Current),
		}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "not_found"}
	case errors.As(err, &storageFail):
		return http.StatusBadGateway, errorBody{
			Error:   "storage_error",
			Message: "object storage operation failed",
		}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal_error"}
	}
}

// WriteValidationError returns a 400 with the given message.
func WriteValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_error", Message: message})
}

// WriteMethodNotAllowed emits the Allow header and a 405 body.
func WriteMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed"})
}
