package assoc

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	SessionCookieName    = "session-id"
	AssociatedCookieName = "associated"

	cookieAttrs = "; SameSite=Strict; Secure; Path=/; HostOnly=true; HttpOnly=true; Max-Age=%d"
)

// Cookies holds the request cookies the resolver cares about, by name.
type Cookies map[string]string

func FromRequest(r *http.Request) Cookies {
	c := Cookies{}
	for _, name := range []string{SessionCookieName, AssociatedCookieName} {
		if ck, err := r.Cookie(name); err == nil {
			c[name] = ck.Value
		}
	}
	return c
}

func SessionCookie(id string, maxAge time.Duration) string {
	return SessionCookieName + "=" + id + fmt.Sprintf(cookieAttrs, int64(maxAge/time.Second))
}

func ClearSessionCookie() string {
	return SessionCookie("", 0)
}

func AssociatedCookie(customURL string, maxAge time.Duration) string {
	return AssociatedCookieName + "=" + EncodeAssociation(customURL) + fmt.Sprintf(cookieAttrs, int64(maxAge/time.Second))
}

func ClearAssociatedCookie() string {
	return AssociatedCookieName + "=" + fmt.Sprintf(cookieAttrs, 0)
}

// IsCookieDirective reports whether a resolver identity is really a Set-Cookie
// value. Such identities must not be trusted as associated for the request.
func IsCookieDirective(identity string) bool {
	return strings.HasPrefix(identity, AssociatedCookieName+"=") ||
		strings.HasPrefix(identity, SessionCookieName+"=")
}

// EncodeAssociation maps a custom URL to a cookie-safe ASCII value.
func EncodeAssociation(customURL string) string {
	return url.QueryEscape(norm.NFC.String(customURL))
}

// DecodeAssociation reverses EncodeAssociation; ok is false for garbage.
func DecodeAssociation(value string) (string, bool) {
	dec, err := url.QueryUnescape(value)
	if err != nil {
		return "", false
	}
	return norm.NFC.String(dec), true
}
