package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppUserCan(t *testing.T) {
	var nobody *AppUser
	assert.False(t, nobody.Can(PermSearchGlobal))
	assert.False(t, nobody.IsAdmin())

	u := &AppUser{Role: "user", Permissions: []string{PermSearchLocal}}
	assert.True(t, u.Can(PermSearchLocal))
	assert.False(t, u.Can(PermSearchGlobal))
	assert.False(t, u.IsAdmin())
	assert.True(t, (&AppUser{Role: RoleAdmin}).IsAdmin())
}

func TestRequirePermission(t *testing.T) {
	tests := []struct {
		name   string
		user   *AppUser
		status int
	}{
		{"NoUser", nil, http.StatusUnauthorized},
		{"Missing", &AppUser{Subject: "u", Permissions: []string{PermSearchLocal}}, http.StatusForbidden},
		{"Granted", &AppUser{Subject: "u", Permissions: []string{PermQuestions}}, http.StatusNoContent},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := &AppContext{Context: e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec), App: &App{}, User: tc.user}

			h := RequirePermission(PermQuestions)(func(c echo.Context) error {
				return c.NoContent(http.StatusNoContent)
			})
			require.NoError(t, h(c))
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}
