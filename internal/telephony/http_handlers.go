package telephony

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"carecall/pkg/logger"
)

const headerTwilioSignature = "X-Twilio-Signature"

// SignatureMiddleware rejects carrier webhooks whose signature does not match
// the auth token. publicBaseURL is the externally visible origin the carrier
// signed against, since the API usually sits behind a proxy.
func SignatureMiddleware(authToken, publicBaseURL string) gin.HandlerFunc {
	base := strings.TrimRight(publicBaseURL, "/")
	return func(c *gin.Context) {
		if authToken == "" {
			c.Next()
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}
		fullURL := base + c.Request.URL.RequestURI()
		if !ValidateSignature(authToken, fullURL, c.Request.PostForm, c.GetHeader(headerTwilioSignature)) {
			logger.FromGin(c).Warn("carrier signature rejected", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}

// WriteTwiML renders an instruction or fails the request.
func WriteTwiML(c *gin.Context, in CallInstruction) {
	twiml, err := RenderTwiML(in)
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
