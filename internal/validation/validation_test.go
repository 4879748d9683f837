package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidMethod(t *testing.T) {
	assert.True(t, IsValidMethod("getBalance"))
	assert.True(t, IsValidMethod("getAccountInfo"))
	assert.True(t, IsValidMethod("tool.invoke_v2"))
	assert.False(t, IsValidMethod(""))
	assert.False(t, IsValidMethod("9starts-with-digit"))
	assert.False(t, IsValidMethod("has spaces"))
	assert.False(t, IsValidMethod(strings.Repeat("a", 200)))
}

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID("ses_0123456789abcdef01234567"))
	assert.True(t, IsValidID("rcp_aaaaaaaaaaaaaaaaaaaaaaaa"))
	assert.False(t, IsValidID("ses_short"))
	assert.False(t, IsValidID("ses_0123456789ABCDEF01234567")) // uppercase hex
	assert.False(t, IsValidID("session_0123456789abcdef01234567"))
	assert.False(t, IsValidID(""))
}

func TestIsValidAmount(t *testing.T) {
	assert.True(t, IsValidAmount("0"))
	assert.True(t, IsValidAmount("1000"))
	assert.False(t, IsValidAmount("-5"))
	assert.False(t, IsValidAmount("1.5"))
	assert.False(t, IsValidAmount("007"))
	assert.False(t, IsValidAmount(""))
	assert.False(t, IsValidAmount("1e6"))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "ab", SanitizeString("abcd", 2))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("method", ""),
		ValidMethod("method", "getSlot"),
		ValidAmount("budget", "12x"),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "method", errs[0].Field)
	assert.Equal(t, "budget", errs[1].Field)
	assert.Contains(t, errs.Error(), "method")

	assert.Empty(t, Validate(
		Required("method", "getSlot"),
		ValidAmount("budget", "1000"),
		MaxLength("label", "short", 10),
	))
}

func TestSessionIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/sessions/:id", SessionIDParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/sessions/ses_0123456789abcdef01234567", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/sessions/not-a-session", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/", func(c *gin.Context) {
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large"})
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"a":1}`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"a":"`+strings.Repeat("x", 100)+`"}`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
