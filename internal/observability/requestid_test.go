package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if !strings.HasPrefix(id1, "req_") {
		t.Errorf("expected req_ prefix, got %q", id1)
	}
	if id1 == id2 {
		t.Error("expected unique request IDs")
	}
	if _, ok := sanitizeRequestID(id1); !ok {
		t.Errorf("generated ID %q must survive sanitization", id1)
	}
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req_abc")
	if got := RequestIDFromContext(ctx); got != "req_abc" {
		t.Errorf("got %q, want req_abc", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("empty context returned %q", got)
	}
}

func captureRequestID(t *testing.T, header string) (ctxID, respID string) {
	t.Helper()

	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(RequestIDHeader, header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return ctxID, rec.Header().Get(RequestIDHeader)
}

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	ctxID, respID := captureRequestID(t, "")
	if ctxID == "" {
		t.Fatal("expected a generated request ID in context")
	}
	if respID != ctxID {
		t.Errorf("response header %q does not match context ID %q", respID, ctxID)
	}
}

func TestRequestIDMiddlewareKeepsValidID(t *testing.T) {
	ctxID, respID := captureRequestID(t, "client-supplied.id_01")
	if ctxID != "client-supplied.id_01" {
		t.Errorf("expected client ID preserved, got %q", ctxID)
	}
	if respID != ctxID {
		t.Errorf("response header %q does not match context ID %q", respID, ctxID)
	}
}

func TestRequestIDMiddlewareReplacesMalformedID(t *testing.T) {
	cases := map[string]string{
		"spaces":    "has spaces",
		"crlf":      "evil\r\nX-Injected: 1",
		"unicode":   "réquest",
		"oversized": strings.Repeat("a", maxRequestIDLen+1),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			ctxID, respID := captureRequestID(t, header)
			if ctxID == header {
				t.Errorf("malformed ID %q must not be kept", header)
			}
			if !strings.HasPrefix(ctxID, "req_") {
				t.Errorf("expected generated replacement, got %q", ctxID)
			}
			if respID != ctxID {
				t.Errorf("response header %q does not match context ID %q", respID, ctxID)
			}
		})
	}
}
