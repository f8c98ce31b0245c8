package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clippie/backend/internal/auth"
	"github.com/clippie/backend/internal/models"
)

func router(jwt *auth.JWTService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("https://app.example.com"))
	api := r.Group("/", JWT(jwt))
	api.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, c.MustGet(ContextUserID).(uuid.UUID).String())
	})
	api.GET("/admin", RequireRole(models.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func get(r *gin.Engine, path, authz string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	req.Header.Set("Origin", "https://app.example.com")
	r.ServeHTTP(w, req)
	return w
}

func TestJWT(t *testing.T) {
	jwt := auth.NewJWTService("secret", 1)
	r := router(jwt)
	userID := uuid.New()
	token, err := jwt.Generate(userID, "a@example.com", string(models.RoleCreator))
	require.NoError(t, err)

	w := get(r, "/me", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID.String(), w.Body.String())
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", "Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", "Bearer nope").Code)
}

func TestRequireRole(t *testing.T) {
	jwt := auth.NewJWTService("secret", 1)
	r := router(jwt)

	creator, err := jwt.Generate(uuid.New(), "c@example.com", string(models.RoleCreator))
	require.NoError(t, err)
	admin, err := jwt.Generate(uuid.New(), "a@example.com", string(models.RoleAdmin))
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, get(r, "/admin", "Bearer "+creator).Code)
	assert.Equal(t, http.StatusOK, get(r, "/admin", "Bearer "+admin).Code)
}

func TestCORS_Preflight(t *testing.T) {
	r := router(auth.NewJWTService("secret", 1))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/me", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequireRole_UnknownRolePanics(t *testing.T) {
	assert.Panics(t, func() { RequireRole(models.Role("owner")) })
}
