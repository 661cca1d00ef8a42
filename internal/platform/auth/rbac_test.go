package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required []string
		want     bool
	}{
		{"exact", []string{RolePatient}, []string{RoleScheduler, RolePatient}, true},
		{"admin passes", []string{RoleAdmin}, []string{RoleScheduler}, true},
		{"missing", []string{RolePatient}, []string{RoleScheduler}, false},
		{"no roles", nil, []string{RoleScheduler}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasRole(tt.granted, tt.required...); got != tt.want {
				t.Errorf("HasRole(%v, %v) = %v", tt.granted, tt.required, got)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		wantErr bool
	}{
		{"allowed", []string{RolePatient}, false},
		{"admin", []string{RoleAdmin}, false},
		{"forbidden", []string{"billing"}, true},
		{"anonymous", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RoleScheduler, RolePatient)(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})(c)

			if tt.wantErr {
				assertStatus(t, err, http.StatusForbidden)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", rec.Code)
			}
		})
	}
}
