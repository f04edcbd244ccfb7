package order

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/noah-isme/m1cart-orders/internal/common"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidAmount       = fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	ErrUnauthorized        = errors.New("authentication required")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("order not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrUnverifiedSignature = errors.New("webhook signature could not be verified")
	ErrUpstreamUnavailable = errors.New("payment processor unavailable")
	ErrConflict            = errors.New("order was modified concurrently")
	// ErrDuplicateIntent is returned when a payment intent is already bound to an order.
	ErrDuplicateIntent = fmt.Errorf("%w: payment intent already recorded", ErrConflict)
)

// TransitionError reports a state machine rule violation.
type TransitionError struct {
	Current   Status
	Requested Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.Current, e.Requested)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// AsAppError maps lifecycle errors onto the API error envelope.
func AsAppError(err error) *common.AppError {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var te *TransitionError
	switch {
	case errors.As(err, &te):
		return common.NewAppError("INVALID_TRANSITION", te.Error(), http.StatusConflict, err).
			WithDetails(map[string]string{"current": string(te.Current), "requested": string(te.Requested)})
	case errors.Is(err, ErrInvalidAmount):
		return common.NewAppError("INVALID_AMOUNT", "amount must be greater than zero", http.StatusBadRequest, err)
	case errors.Is(err, ErrValidation):
		return common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, ErrUnauthorized):
		return common.NewAppError("UNAUTHORIZED", "authentication required", http.StatusUnauthorized, err)
	case errors.Is(err, ErrForbidden):
		return common.NewAppError("FORBIDDEN", err.Error(), http.StatusForbidden, err)
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("NOT_FOUND", err.Error(), http.StatusNotFound, err)
	case errors.Is(err, ErrUnverifiedSignature):
		return common.NewAppError("UNVERIFIED_SIGNATURE", "signature verification failed", http.StatusBadRequest, err)
	case errors.Is(err, ErrUpstreamUnavailable):
		appErr = common.NewAppError("UPSTREAM_UNAVAILABLE", "payment processor unavailable, retry later", http.StatusServiceUnavailable, err)
		appErr.RetryAfter = 5 * time.Second
		return appErr
	case errors.Is(err, ErrConflict):
		return common.NewAppError("CONFLICT", err.Error(), http.StatusConflict, err)
	}
	return common.NewAppError("INTERNAL", "internal error", http.StatusInternalServerError, err)
}
