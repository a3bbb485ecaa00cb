package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"hvac-voice-agent/pkg/logger"
)

// ComputeSignature implements Twilio's request signing scheme: the full
// request URL concatenated with the POST parameters sorted by key, HMAC-SHA1
// with the account auth token, base64 encoded.
func ComputeSignature(authToken, url string, form map[string][]string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignatureMiddleware rejects webhook requests whose X-Twilio-Signature does
// not match. An empty token disables validation (local development).
func SignatureMiddleware(authToken, publicHost string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authToken == "" {
			c.Next()
			return
		}
		log := logger.FromGin(c)

		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}

		// Twilio signs the URL it was configured with, which is the public
		// https one, not what the reverse proxy forwarded.
		url := "https://" + publicHost + c.Request.URL.RequestURI()
		want := ComputeSignature(authToken, url, c.Request.PostForm)
		got := c.GetHeader("X-Twilio-Signature")

		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			log.Warn("webhook signature mismatch", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "signature mismatch"})
			return
		}
		c.Next()
	}
}
