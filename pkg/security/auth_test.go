package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func request(t *testing.T, header, query string) *http.Request {
	t.Helper()
	url := "/sessions"
	if query != "" {
		url += "?token=" + query
	}
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	return req
}

func TestTokenAuth(t *testing.T) {
	auth := NewTokenAuth("s3cret")

	tests := []struct {
		name   string
		header string
		query  string
		want   bool
	}{
		{"valid bearer", "Bearer s3cret", "", true},
		{"wrong bearer", "Bearer nope", "", false},
		{"missing", "", "", false},
		{"malformed header", "s3cret", "", false},
		{"basic scheme", "Basic s3cret", "", false},
		{"query token", "", "s3cret", true},
		{"wrong query token", "", "nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := auth.Authenticate(request(t, tt.header, tt.query)); got != tt.want {
				t.Errorf("Authenticate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenAuth_Disabled(t *testing.T) {
	auth := NewTokenAuth("")

	if auth.Enabled() {
		t.Error("empty token should disable auth")
	}
	if !auth.Authenticate(request(t, "", "")) {
		t.Error("disabled auth should accept any request")
	}
}
