// Package errors defines the classified error type shared by the request
// orchestrator, the health tracker and the HTTP surface. Every upstream
// failure is mapped to a ProxyError carrying both the client-facing
// Anthropic error type and the internal classification kind that drives
// failover and health accounting.
package errors

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// Kind classifies an upstream failure. Kinds feed two independent decisions:
// whether the attempt may fail over to the next candidate and whether it
// counts toward the provider's unhealthy threshold. Both sets come from
// configuration.
type Kind string

// Classification kinds.
const (
	KindConnectionError     Kind = "connection_error"
	KindSSLError            Kind = "ssl_error"
	KindConnectTimeout      Kind = "connect_timeout"
	KindReadTimeout         Kind = "read_timeout"
	KindPoolTimeout         Kind = "pool_timeout"
	KindInternalServerError Kind = "internal_server_error"
	KindBadGateway          Kind = "bad_gateway"
	KindServiceUnavailable  Kind = "service_unavailable"
	KindGatewayTimeout      Kind = "gateway_timeout"
	KindRateLimit           Kind = "rate_limit"
	KindClientError         Kind = "client_error"
	KindAPIError            Kind = "api_error"
	KindStreamError         Kind = "stream_error"
	KindAuthRequired        Kind = "auth_required"
	KindInvalidRequest      Kind = "invalid_request"
	KindNoProviders         Kind = "no_providers"
)

// Anthropic error envelope types surfaced to clients.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeRateLimit      = "rate_limit_error"
	TypeAPIError       = "api_error"
	TypeOverloaded     = "overloaded_error"
	TypeNotFound       = "not_found_error"
)

// ProxyError represents a classified failure of one upstream attempt.
// It contains everything needed for failover decisions, health accounting,
// logging, and the client response.
type ProxyError struct {
	StatusCode int    `json:"status_code"`
	Type       string `json:"type"`
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the status code to surface to the client.
func (e *ProxyError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// New creates a ProxyError with the envelope type derived from the status.
func New(kind Kind, statusCode int, provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: statusCode,
		Type:       TypeForStatus(statusCode),
		Kind:       kind,
		Message:    message,
		Provider:   provider,
		Model:      model,
	}
}

// NewInvalidRequestError creates a client validation error (400). It carries
// no provider attribution and never reaches the health tracker.
func NewInvalidRequestError(message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusBadRequest,
		Type:       TypeInvalidRequest,
		Kind:       KindInvalidRequest,
		Message:    message,
	}
}

// NewAuthRequiredError marks an OAuth provider that rejected or lacks a
// token. These errors never fail over; the caller raises the re-auth signal.
func NewAuthRequiredError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusUnauthorized,
		Type:       TypeAuthentication,
		Kind:       KindAuthRequired,
		Message:    message,
		Provider:   provider,
		Model:      model,
	}
}

// NewNoProvidersError is the generic exhaustion error. Deliberately vague:
// it must not leak individual provider failures.
func NewNoProvidersError(model string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusServiceUnavailable,
		Type:       TypeOverloaded,
		Kind:       KindNoProviders,
		Message:    fmt.Sprintf("no providers available for model %s", model),
		Model:      model,
	}
}

// NewProviderNotFoundError rejects an explicit provider pin that names no
// enabled provider. The pin came from the client, so echoing it back leaks
// nothing the client did not already know.
func NewProviderNotFoundError(name, model string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusNotFound,
		Type:       TypeNotFound,
		Kind:       KindClientError,
		Message:    fmt.Sprintf("provider %q not found or not enabled", name),
		Model:      model,
	}
}

// NewStreamError marks an SSE stream that carried an in-band error event.
func NewStreamError(provider, model, message string) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusBadGateway,
		Type:       TypeAPIError,
		Kind:       KindStreamError,
		Message:    message,
		Provider:   provider,
		Model:      model,
	}
}

// FromTransport classifies a network-level failure of an attempt that never
// produced an HTTP response.
func FromTransport(err error, provider, model string) *ProxyError {
	kind := ClassifyTransport(err)

	status := http.StatusBadGateway
	if kind == KindReadTimeout || kind == KindPoolTimeout {
		status = http.StatusGatewayTimeout
	}

	return &ProxyError{
		StatusCode: status,
		Type:       TypeForStatus(status),
		Kind:       kind,
		Message:    err.Error(),
		Provider:   provider,
		Model:      model,
	}
}

// FromStatus classifies an HTTP error response, extracting the upstream
// message from an Anthropic or OpenAI error body when one is present.
func FromStatus(statusCode int, provider, model string, body []byte) *ProxyError {
	return &ProxyError{
		StatusCode: statusCode,
		Type:       TypeForStatus(statusCode),
		Kind:       KindForStatus(statusCode),
		Message:    extractErrorMessage(body, statusCode),
		Provider:   provider,
		Model:      model,
	}
}

// FromErrorBody classifies a 2xx response whose body is an Anthropic-shaped
// error envelope.
func FromErrorBody(provider, model string, body []byte) *ProxyError {
	return &ProxyError{
		StatusCode: http.StatusInternalServerError,
		Type:       TypeAPIError,
		Kind:       KindAPIError,
		Message:    extractErrorMessage(body, http.StatusInternalServerError),
		Provider:   provider,
		Model:      model,
	}
}

// AsProxyError unwraps err to a *ProxyError, wrapping foreign errors as
// internal api_error values so callers always hold a classified error.
func AsProxyError(err error, provider, model string) *ProxyError {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProxyError{
		StatusCode: http.StatusInternalServerError,
		Type:       TypeAPIError,
		Kind:       KindAPIError,
		Message:    err.Error(),
		Provider:   provider,
		Model:      model,
	}
}

// TypeForStatus maps an HTTP status to the Anthropic envelope type.
func TypeForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return TypeInvalidRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return TypeAuthentication
	case http.StatusNotFound:
		return TypeNotFound
	case http.StatusTooManyRequests:
		return TypeRateLimit
	case http.StatusServiceUnavailable, 529:
		return TypeOverloaded
	}
	if statusCode >= 400 && statusCode < 500 {
		return TypeInvalidRequest
	}
	return TypeAPIError
}

// KindForStatus maps an HTTP status to its classification kind.
func KindForStatus(statusCode int) Kind {
	switch statusCode {
	case http.StatusInternalServerError:
		return KindInternalServerError
	case http.StatusBadGateway:
		return KindBadGateway
	case http.StatusServiceUnavailable:
		return KindServiceUnavailable
	case http.StatusGatewayTimeout:
		return KindGatewayTimeout
	case http.StatusTooManyRequests:
		return KindRateLimit
	}
	if statusCode >= 500 {
		return KindInternalServerError
	}
	return KindClientError
}

// ClassifyTransport maps a transport error to its kind. Dial-phase failures
// are distinguished from read-phase timeouts so the two can be gated
// independently in configuration.
func ClassifyTransport(err error) Kind {
	var recordErr tls.RecordHeaderError
	var unknownAuthority x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var hostnameErr x509.HostnameError
	if errors.As(err, &recordErr) || errors.As(err, &unknownAuthority) ||
		errors.As(err, &certInvalid) || errors.As(err, &hostnameErr) ||
		strings.Contains(err.Error(), "tls:") {
		return KindSSLError
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnectionError
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if opErr.Timeout() {
			return KindConnectTimeout
		}
		return KindConnectionError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindReadTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindReadTimeout
	}

	return KindConnectionError
}

// IsErrorBody reports whether a 2xx JSON body is actually an Anthropic error
// envelope.
func IsErrorBody(body []byte) bool {
	var probe struct {
		Type  string `json:"type"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Type == "error" && probe.Error != nil
}

// extractErrorMessage pulls the human-readable message out of an upstream
// error body. Supports the Anthropic envelope and the OpenAI error object;
// falls back to the raw body, truncated.
func extractErrorMessage(body []byte, statusCode int) string {
	var anthropic struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &anthropic); err == nil && anthropic.Error.Message != "" {
		return anthropic.Error.Message
	}

	var openai struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &openai); err == nil && openai.Message != "" {
		return openai.Message
	}

	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return http.StatusText(statusCode)
	}
	if len(raw) > 512 {
		raw = raw[:512]
	}
	return raw
}
