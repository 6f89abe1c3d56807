package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/HerbHall/pnvantage/internal/profinet/ar"
	"github.com/HerbHall/pnvantage/internal/profinet/authority"
	"github.com/HerbHall/pnvantage/internal/profinet/dcp"
	"github.com/HerbHall/pnvantage/internal/registry"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound       = "https://pnvantage.dev/problems/not-found"
	ProblemTypeBadRequest     = "https://pnvantage.dev/problems/bad-request"
	ProblemTypeInternal       = "https://pnvantage.dev/problems/internal-error"
	ProblemTypeRateLimited    = "https://pnvantage.dev/problems/rate-limited"
	ProblemTypeConflict       = "https://pnvantage.dev/problems/conflict"
	ProblemTypeAuthority      = "https://pnvantage.dev/problems/authority-denied"
	ProblemTypeGatewayTimeout = "https://pnvantage.dev/problems/device-timeout"
	ProblemTypeBadGateway     = "https://pnvantage.dev/problems/device-rejected"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: instance,
	})
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeBadRequest,
		Title:    "Bad Request",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	})
}

// Conflict writes a 409 problem response.
func Conflict(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeConflict,
		Title:    "Conflict",
		Status:   http.StatusConflict,
		Detail:   detail,
		Instance: instance,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	})
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeRateLimited,
		Title:    "Too Many Requests",
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: instance,
	})
}

// ProblemFor maps a controller error to its problem response.
func ProblemFor(err error, instance string) Problem {
	p := Problem{Detail: err.Error(), Instance: instance}
	switch {
	case errors.Is(err, ar.ErrUnknownDevice), errors.Is(err, registry.ErrNotFound):
		p.Type, p.Title, p.Status = ProblemTypeNotFound, "Not Found", http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidStationName), errors.Is(err, registry.ErrInvalidSlot):
		p.Type, p.Title, p.Status = ProblemTypeBadRequest, "Bad Request", http.StatusBadRequest
	case errors.Is(err, ar.ErrAuthorityDenied), errors.Is(err, authority.ErrHandoffDenied),
		errors.Is(err, authority.ErrReplayRejected):
		p.Type, p.Title, p.Status = ProblemTypeAuthority, "Authority Denied", http.StatusConflict
	case errors.Is(err, registry.ErrAlreadyExists), errors.Is(err, ar.ErrInvalidState):
		p.Type, p.Title, p.Status = ProblemTypeConflict, "Conflict", http.StatusConflict
	case errors.Is(err, ar.ErrConnectTimeout), errors.Is(err, dcp.ErrNoResponse),
		errors.Is(err, context.DeadlineExceeded):
		p.Type, p.Title, p.Status = ProblemTypeGatewayTimeout, "Device Timeout", http.StatusGatewayTimeout
	case errors.Is(err, ar.ErrServiceRejected), errors.Is(err, ar.ErrRecordNotFound),
		errors.Is(err, ar.ErrConnectRejected), errors.Is(err, dcp.ErrSetRejected):
		p.Type, p.Title, p.Status = ProblemTypeBadGateway, "Device Rejected Request", http.StatusBadGateway
	default:
		p.Type, p.Title, p.Status = ProblemTypeInternal, "Internal Server Error", http.StatusInternalServerError
	}
	return p
}

// WriteError writes the problem response for err.
func WriteError(w http.ResponseWriter, err error, instance string) {
	WriteProblem(w, ProblemFor(err, instance))
}
