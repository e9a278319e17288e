package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/eliteacai/cashback-engine/auth"
	"github.com/eliteacai/cashback-engine/cashback"
	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/ledger"
)

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps a workflow error to a status code and error body.
// Unclassified errors are logged and reported as 500 without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classify(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(r.Context(), "request failed", err)
	}

	var dup *ledger.DuplicateError
	if errors.As(err, &dup) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(dup.RetryAfter.Seconds()))))
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, ErrorResponse) {
	var (
		bodyErr *requestError
		ve      *ledger.ValidationError
		ib      *ledger.InsufficientBalanceError
		dup     *ledger.DuplicateError
		it      *ledger.InvalidTransitionError
		oor     *cashback.OutOfRangeError
	)

	switch {
	case errors.As(err, &bodyErr):
		return http.StatusBadRequest, ErrorResponse{Error: bodyErr.message, Code: "invalid_request", Details: bodyErr.details}
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrorResponse{
			Error:   ve.Error(),
			Code:    "validation_failed",
			Details: map[string]string{ve.Field: ve.Message},
		}
	case errors.Is(err, errUnauthenticated),
		errors.Is(err, customers.ErrAuthentication),
		errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: "unauthorized"}
	case errors.Is(err, cashback.ErrForbidden):
		return http.StatusForbidden, ErrorResponse{Error: "forbidden", Code: "forbidden"}
	case errors.As(err, &ib):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Error: ib.Error(),
			Code:  "insufficient_balance",
			Details: map[string]string{
				"available": ib.Available.StringFixed(2),
				"requested": ib.Requested.StringFixed(2),
			},
		}
	case errors.As(err, &oor):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Error: oor.Error(),
			Code:  "out_of_range",
			Details: map[string]any{
				"store":           oor.StoreName,
				"distance_meters": math.Round(oor.DistanceMeters),
			},
		}
	case errors.As(err, &dup):
		return http.StatusConflict, ErrorResponse{
			Error:   dup.Error(),
			Code:    "duplicate",
			Details: map[string]any{"retry_after_seconds": math.Ceil(dup.RetryAfter.Seconds())},
		}
	case errors.As(err, &it):
		return http.StatusConflict, ErrorResponse{
			Error:   it.Error(),
			Code:    "invalid_transition",
			Details: map[string]string{"from": string(it.From), "to": string(it.To)},
		}
	case errors.Is(err, customers.ErrPhoneTaken):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "phone_taken"}
	case errors.Is(err, customers.ErrEmailTaken):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "email_taken"}
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "entry not found", Code: "not_found"}
	case errors.Is(err, customers.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "customer not found", Code: "not_found"}
	case errors.Is(err, cashback.ErrLocationTimeout):
		return http.StatusGatewayTimeout, ErrorResponse{Error: err.Error(), Code: "location_timeout"}
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "service temporarily unavailable", Code: "unavailable"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"}
	}
}

// =============================================================================
// REQUEST DECODING
// =============================================================================

// requestError is a malformed body or query string, reported as 400.
type requestError struct {
	message string
	details map[string]string
}

func (e *requestError) Error() string { return e.message }

func badRequest(message string, details map[string]string) error {
	return &requestError{message: message, details: details}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

// decodeJSON decodes a single JSON object into dest and runs the struct
// validators. Unknown fields are rejected.
func decodeJSON(r *http.Request, dest any) error {
	defer io.Copy(io.Discard, r.Body)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return badRequest("invalid request body", map[string]string{"error": err.Error()})
	}
	if err := validate.Struct(dest); err != nil {
		return validationFailed(err)
	}
	return nil
}

func validationFailed(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return badRequest("validation failed", map[string]string{"error": err.Error()})
	}
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		details[fe.Field()] = validationMessage(fe)
	}
	return badRequest("validation failed", details)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "email":
		return "must be a valid email"
	case "datetime":
		return fmt.Sprintf("must match %s", fe.Param())
	}
	return "is invalid"
}
