package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactAuditBodyMasksSecrets(t *testing.T) {
	body := []byte(`{"reason":"stuck claim","admin_key":"k","nested":{"private_key":"0xdead"},"list":[{"token":"t"}]}`)
	out := redactAuditBody(body)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &data))
	assert.Equal(t, "stuck claim", data["reason"])
	assert.Equal(t, "***", data["admin_key"])
	assert.Equal(t, "***", data["nested"].(map[string]interface{})["private_key"])
	assert.Equal(t, "***", data["list"].([]interface{})[0].(map[string]interface{})["token"])
}

func TestRedactAuditBodyInvalidJSON(t *testing.T) {
	assert.Equal(t, "[redacted]", redactAuditBody([]byte("not-json")))
	assert.Equal(t, "", redactAuditBody(nil))
}

func TestAuditMiddlewareKeepsBodyAndSetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AuditMiddleware())
	var seen map[string]string
	router.POST("/v1/settlements/batches/:id/release", func(c *gin.Context) {
		require.NoError(t, c.ShouldBindJSON(&seen))
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/settlements/batches/b1/release", strings.NewReader(`{"reason":"unpaid"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, "req-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "unpaid", seen["reason"])
}
