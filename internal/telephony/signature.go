package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/logger"
)

// SignatureHeader carries the provider's request signature.
const SignatureHeader = "X-Twilio-Signature"

// ComputeSignature implements the provider scheme: HMAC-SHA1 over the full
// request URL followed by every POST parameter (key then value) sorted by key,
// base64 encoded.
func ComputeSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func ValidSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	want := ComputeSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(want), []byte(signature))
}

// RequireSignature rejects webhook requests whose signature does not match.
// baseURL is the public scheme+host the provider was configured with; the
// request URI is appended to it. An empty authToken disables the check, which
// config only permits outside production.
func RequireSignature(authToken, baseURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authToken == "" {
			c.Next()
			return
		}
		_, form, err := readForm(c.Request)
		if err != nil {
			writeDocument(c, http.StatusBadRequest, EmptyDocument())
			c.Abort()
			return
		}
		full := strings.TrimRight(baseURL, "/") + c.Request.URL.RequestURI()
		if !ValidSignature(authToken, full, form, c.GetHeader(SignatureHeader)) {
			logger.FromGin(c).Warn("webhook signature mismatch", "path", c.FullPath())
			writeDocument(c, http.StatusForbidden, EmptyDocument())
			c.Abort()
			return
		}
		c.Next()
	}
}
