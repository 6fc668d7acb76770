package ops

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/pbinitiative/zencore/internal/log"
	"github.com/pbinitiative/zencore/pkg/admission"
	"github.com/pbinitiative/zencore/pkg/bpmn"
	"github.com/pbinitiative/zencore/pkg/contract"
	"github.com/pbinitiative/zencore/pkg/lock"
)

const (
	TypeBadRequest        = "BAD_REQUEST"
	TypeNotFound          = "NOT_FOUND"
	TypeConflict          = "CONFLICT"
	TypeContractViolation = "CONTRACT_VIOLATION"
	TypeLimitReached      = "LIMIT_REACHED"
	TypeUnavailable       = "UNAVAILABLE"
	TypeError             = "ERROR"
)

type ApiError struct {
	Type         string              `json:"type"`
	Message      string              `json:"message"`
	Explanations map[string][]string `json:"explanations,omitempty"`
	RetryAfter   *time.Time          `json:"retryAfter,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, apiErr ApiError) {
	if status >= http.StatusInternalServerError {
		log.Errorf(r.Context(), "%s %s failed: %s", r.Method, r.URL.Path, apiErr.Message)
	}
	writeJSON(w, status, apiErr)
}

// writeEngineError maps typed engine errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rejected     *admission.RejectedError
		notFound     *bpmn.NotFoundError
		invalidArg   *bpmn.InvalidArgumentError
		invalidState *bpmn.InvalidStateError
		notAssigned  *bpmn.NotAssignedError
		hierarchy    *bpmn.HierarchicalDeletionError
		activity     *bpmn.ActivityExecutionError
		violation    *contract.ViolationError
		lockTimeout  *lock.TimeoutError
	)
	switch {
	case errors.As(err, &rejected):
		retryAfter := rejected.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter, time.Now())))
		writeError(w, r, http.StatusTooManyRequests, ApiError{Type: TypeLimitReached, Message: err.Error(), RetryAfter: &retryAfter})
	case errors.As(err, &violation):
		writeError(w, r, http.StatusBadRequest, ApiError{Type: TypeContractViolation, Message: violation.SimpleMessage, Explanations: violation.Explanations})
	case errors.As(err, &invalidArg):
		writeError(w, r, http.StatusBadRequest, ApiError{Type: TypeBadRequest, Message: err.Error()})
	case errors.As(err, &notFound):
		writeError(w, r, http.StatusNotFound, ApiError{Type: TypeNotFound, Message: err.Error()})
	case errors.As(err, &invalidState), errors.As(err, &notAssigned), errors.As(err, &hierarchy), errors.As(err, &activity):
		writeError(w, r, http.StatusConflict, ApiError{Type: TypeConflict, Message: err.Error()})
	case errors.As(err, &lockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, ApiError{Type: TypeUnavailable, Message: err.Error()})
	default:
		writeError(w, r, http.StatusInternalServerError, ApiError{Type: TypeError, Message: err.Error()})
	}
}

// retryAfterSeconds rounds up and never returns less than one second.
func retryAfterSeconds(retryAfter time.Time, now time.Time) int {
	seconds := int(math.Ceil(retryAfter.Sub(now).Seconds()))
	return max(seconds, 1)
}
