// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/wif-erp/wif-erp/internal/finance"
)

// MaxBodyBytes bounds decoded request bodies.
const MaxBodyBytes = 1 << 20

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Field  string `json:"field,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	contentType := "application/json"
	if _, ok := data.(ProblemDetail); ok {
		contentType = "application/problem+json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	JSON(w, status, ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// TypedProblem is Problem with a machine-readable type.
func TypedProblem(w http.ResponseWriter, status int, typ, title, detail string) {
	JSON(w, status, ProblemDetail{Type: typ, Title: title, Status: status, Detail: detail})
}

// DecodeJSON decodes a JSON request body into target. Malformed bodies are
// reported as validation errors.
func DecodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			return finance.Invalid("body", "request body is empty")
		case errors.As(err, &typeErr):
			return finance.Invalid(typeErr.Field, "must be %s", typeErr.Type)
		case errors.As(err, &syntaxErr):
			return finance.Invalid("body", "malformed JSON at offset %d", syntaxErr.Offset)
		default:
			return finance.Invalid("body", "%s", err.Error())
		}
	}
	if dec.More() {
		return finance.Invalid("body", "request body must hold one JSON value")
	}
	return nil
}

