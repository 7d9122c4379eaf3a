package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendra/field-sales/erp-orchestrator/internal/auth"
	"github.com/vendra/field-sales/erp-orchestrator/internal/gateway"
	"github.com/vendra/field-sales/erp-orchestrator/tests/helpers"
)

// TestAuthDatabaseIntegration exercises the login flow against a real users
// table: bcrypt verification, JWT issuance, and middleware enforcement.
func TestAuthDatabaseIntegration(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-key-for-auth-db-integration-tests")

	testDB := helpers.NewTestDatabase(t)
	defer testDB.Close()

	email := fmt.Sprintf("auth-it-%d@example.com", time.Now().UnixNano())
	password := "correct-horse-battery-1"
	userID := testDB.CreateTestUser(t, email, password, []string{"user", "admin"})
	defer testDB.DeleteTestUser(t, userID)

	jwtManager, err := auth.NewJWTManager()
	require.NoError(t, err)

	handler := gateway.NewHandler(nil, nil, testDB.Store, jwtManager, testDB.Pool)

	gin.SetMode(gin.TestMode)
	router := gin.New()

	api := router.Group("/api")
	api.POST("/auth/login", handler.Login)

	protected := api.Group("")
	protected.Use(auth.RequireAuth(jwtManager))
	protected.GET("/whoami", func(c *gin.Context) {
		uid, _ := c.Get("user_id")
		roles, _ := c.Get("user_roles")
		c.JSON(http.StatusOK, gin.H{"user_id": uid, "roles": roles})
	})

	login := func(t *testing.T, email, password string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"email": email, "password": password})
		req := httptest.NewRequest("POST", "/api/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("valid credentials return a token", func(t *testing.T) {
		w := login(t, email, password)
		require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

		var resp gateway.LoginResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, userID, resp.UserID)
	})

	t.Run("wrong password is rejected", func(t *testing.T) {
		w := login(t, email, "wrong-password-9")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown email is rejected", func(t *testing.T) {
		w := login(t, "nobody@example.com", password)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token unlocks protected routes with roles", func(t *testing.T) {
		w := login(t, email, password)
		require.Equal(t, http.StatusOK, w.Code)

		var resp gateway.LoginResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

		req := httptest.NewRequest("GET", "/api/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+resp.Token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var whoami struct {
			UserID string   `json:"user_id"`
			Roles  []string `json:"roles"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &whoami))
		assert.Equal(t, userID, whoami.UserID)
		assert.Equal(t, []string{"user", "admin"}, whoami.Roles)
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/whoami", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
