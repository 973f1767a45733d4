package quota

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/common"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
)

// CookieName the anonymous upload counter cookie. Its value is
// "count:issuedAt:hex(hmac-sha256(secret, "count:issuedAt"))" - the whole
// anonymous identity lives client-side, the server only validates and
// reissues. Rotating the secret invalidates every outstanding counter.
const CookieName = "stash_anon_uploads"

// Token parsed, signature-checked counter state.
type Token struct {
	Count    int
	IssuedAt common.Timestamp
}

func sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(config.Configuration.QuotaSecret))
	mac.Write([]byte(payload)) //nolint:errcheck // hash.Hash never errors
	return hex.EncodeToString(mac.Sum(nil))
}

func encode(count int, issuedAt common.Timestamp) string {
	payload := fmt.Sprintf("%d:%d", count, issuedAt)
	return payload + ":" + sign(payload)
}

// parse returns nil for anything that does not verify: wrong shape, bad
// signature, or an issuedAt outside the validity window. A tampered token is
// never trusted, not even partially.
func parse(value string) *Token {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil
	}

	payload := parts[0] + ":" + parts[1]
	expected, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil
	}

	mac := hmac.New(sha256.New, []byte(config.Configuration.QuotaSecret))
	mac.Write([]byte(payload)) //nolint:errcheck
	if !hmac.Equal(mac.Sum(nil), expected) {
		return nil
	}

	count, err := strconv.Atoi(parts[0])
	if err != nil || count < 0 {
		return nil
	}
	issuedAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil
	}

	if time.Since(common.ToTime(common.Timestamp(issuedAt))) > config.Configuration.QuotaCookieValidity {
		return nil
	}

	return &Token{Count: count, IssuedAt: common.Timestamp(issuedAt)}
}

// CurrentCount commits attributed to the presented token. Absent, tampered
// and expired tokens all degrade to zero - a new identity, never an error.
func CurrentCount(value string) int {
	if value == "" {
		return 0
	}
	t := parse(value)
	if t == nil {
		return 0
	}
	return t.Count
}

// BuildIncremented returns a re-signed token with the count advanced by one.
// IssuedAt is preserved across increments within the validity window, so the
// window never slides. Only call this after a commit succeeded - a failed
// upload must not consume quota.
func BuildIncremented(value string) (newValue string, newCount int) {
	count := 0
	issuedAt := common.Now()
	if t := parse(value); t != nil {
		count = t.Count
		issuedAt = t.IssuedAt
	}
	newCount = count + 1
	return encode(newCount, issuedAt), newCount
}

// SetCookie writes the token cookie with the hardened attributes the counter
// relies on.
func SetCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(config.Configuration.QuotaCookieValidity / time.Second),
		HttpOnly: true,
		Secure:   !config.Development(),
		SameSite: http.SameSiteStrictMode,
	})
}
