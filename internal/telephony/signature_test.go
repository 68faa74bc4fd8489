package telephony

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestValidateSignature(t *testing.T) {
	params := url.Values{}
	params.Set("CallSid", "CA1")
	params.Set("From", "+15551234567")
	params.Set("To", "+15557654321")
	u := "https://api.example.com/webhooks/carrier/voice"

	sig := ComputeSignature("secret", u, params)
	assert.True(t, ValidateSignature("secret", u, params, sig))
	assert.False(t, ValidateSignature("other", u, params, sig))
	assert.False(t, ValidateSignature("secret", u+"?x=1", params, sig))

	tampered := url.Values{}
	for k, v := range params {
		tampered[k] = v
	}
	tampered.Set("To", "+15550000000")
	assert.False(t, ValidateSignature("secret", u, tampered, sig))
	assert.False(t, ValidateSignature("secret", u, params, ""))
}

func TestSignatureMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/carrier/status", SignatureMiddleware("secret", "https://api.example.com/"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}
	sig := ComputeSignature("secret", "https://api.example.com/webhooks/carrier/status", form)

	send := func(signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier/status", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(headerTwilioSignature, signature)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, send(sig))
	assert.Equal(t, http.StatusForbidden, send("bogus"))
}
