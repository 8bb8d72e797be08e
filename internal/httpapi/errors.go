package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
)

// Machine-readable error kinds carried in the response envelope.
const (
	KindValidation           = "validation_error"
	KindEmbeddingUnavailable = "embedding_unavailable"
	KindStoreUnavailable     = "store_unavailable"
	KindNotFound             = "not_found"
	KindInternal             = "internal"
)

// ErrorBody is the error envelope every failing endpoint returns.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names what went wrong and, for validation failures, which
// fields caused it.
type ErrorDetail struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// writeError maps a service error onto the HTTP error envelope.
func writeError(c echo.Context, err error) error {
	var verr *knowledge.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
			Kind:    KindValidation,
			Message: verr.Error(),
			Fields:  verr.Fields,
		}})
	case errors.Is(err, knowledge.ErrEmbeddingUnavailable):
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: ErrorDetail{
			Kind:    KindEmbeddingUnavailable,
			Message: err.Error(),
		}})
	case errors.Is(err, knowledge.ErrStoreUnavailable):
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: ErrorDetail{
			Kind:    KindStoreUnavailable,
			Message: err.Error(),
		}})
	case errors.Is(err, knowledge.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: ErrorDetail{
			Kind:    KindNotFound,
			Message: err.Error(),
		}})
	default:
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
			Kind:    KindInternal,
			Message: "internal error",
		}})
	}
}
