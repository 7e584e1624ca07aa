package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtgo "github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymesh/srtrelay/log"
	"github.com/relaymesh/srtrelay/session"
)

func signToken(t *testing.T, secret string) string {
	t.Helper()

	token := jwtgo.NewWithClaims(jwtgo.SigningMethodHS256, jwtgo.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	return s
}

func TestIssueSessionRequiresBearerToken(t *testing.T) {
	e := New(Config{
		Issuer:    session.NewMemoryStore(time.Minute),
		Registry:  prometheus.NewRegistry(),
		JWTSecret: "topsecret",
		Logger:    log.New("test"),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/streams/2a/sessions?mode=publish", nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected request without a bearer token to be rejected, got %d", rec.Code)
	}
}

func TestIssueSessionReturnsSessionID(t *testing.T) {
	secret := "topsecret"
	e := New(Config{
		Issuer:    session.NewMemoryStore(time.Minute),
		Registry:  prometheus.NewRegistry(),
		JWTSecret: secret,
		Logger:    log.New("test"),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/streams/2a/sessions?mode=publish", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, secret))
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	e := New(Config{
		Issuer:    session.NewMemoryStore(time.Minute),
		Registry:  prometheus.NewRegistry(),
		JWTSecret: "topsecret",
		Logger:    log.New("test"),
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
