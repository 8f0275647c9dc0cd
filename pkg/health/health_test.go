package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(name string) CheckFunc {
	return NewCheckFunc(name, func(context.Context) error { return nil })
}

func failing(name string) CheckFunc {
	return NewCheckFunc(name, func(context.Context) error { return errors.New(name + " down") })
}

func TestCheckerRegistry_Status(t *testing.T) {
	tests := []struct {
		name     string
		critical []Checker
		optional []Checker
		want     Status
	}{
		{name: "no checkers", want: StatusHealthy},
		{name: "all pass", critical: []Checker{ok("postgresql")}, optional: []Checker{ok("mongodb")}, want: StatusHealthy},
		{name: "optional fails", critical: []Checker{ok("postgresql")}, optional: []Checker{failing("mongodb")}, want: StatusDegraded},
		{name: "critical fails", critical: []Checker{failing("postgresql")}, optional: []Checker{failing("mongodb")}, want: StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewCheckerRegistry()
			for _, c := range tt.critical {
				r.Register(c)
			}
			for _, c := range tt.optional {
				r.RegisterOptional(c)
			}
			h := r.Check(context.Background())
			assert.Equal(t, tt.want, h.Status)
			assert.Len(t, h.Checks, len(tt.critical)+len(tt.optional))
		})
	}
}

func TestCheckerRegistry_ReportsMessages(t *testing.T) {
	r := NewCheckerRegistry()
	r.RegisterOptional(failing("mongodb"))
	h := r.Check(context.Background())
	assert.Equal(t, StatusDegraded, h.Checks["mongodb"].Status)
	assert.Equal(t, "mongodb down", h.Checks["mongodb"].Message)
}

func TestCheckerRegistry_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewCheckerRegistry()
	r.Register(failing("postgresql"))
	router := gin.New()
	router.GET("/health", r.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
}

func TestKafkaChecker_NoBrokers(t *testing.T) {
	assert.Error(t, NewKafkaChecker(nil).Check(context.Background()))
}
