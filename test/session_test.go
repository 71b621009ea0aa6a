package test

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"mdbin/cfg"
	"mdbin/pkg/domain"
)

func (c *client) setCookie(name, value string) {
	u, _ := url.Parse(c.s.ts.URL)
	c.http.Jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

func TestSessionIssuedToBrowsersOnly(t *testing.T) {
	s := newStack(t, nil)

	b := s.browser(t)
	r := b.visit("nothing-here")
	set := r.header.Values("Set-Cookie")
	if len(set) != 1 {
		t.Fatalf("Set-Cookie = %q", set)
	}
	directive := set[0]
	t.Logf("session directive: %s", directive)
	if !strings.HasPrefix(directive, "session-id=") {
		t.Errorf("directive = %q", directive)
	}
	wantSuffix := "; SameSite=Strict; Secure; Path=/; HostOnly=true; HttpOnly=true; Max-Age=5529600"
	if !strings.HasSuffix(directive, wantSuffix) {
		t.Errorf("directive attrs = %q, want suffix %q", directive, wantSuffix)
	}
	if b.cookie("session-id") == "" {
		t.Error("browser jar did not keep the session")
	}

	// a second visit reuses the session
	if r := b.visit("nothing-here"); len(r.header.Values("Set-Cookie")) != 0 {
		t.Errorf("session reissued: %q", r.header.Values("Set-Cookie"))
	}

	for _, ua := range []string{"", "curl/8.5.0", "Mozilla/5.0 (compatible; Googlebot/2.1)", "python-requests/2.31"} {
		c := s.newClient(t, ua)
		if r := c.visit("nothing-here"); len(r.header.Values("Set-Cookie")) != 0 {
			t.Errorf("UA %q was issued a session", ua)
		}
	}
}

func TestSessionsDisabled(t *testing.T) {
	s := newStack(t, func(c *cfg.Cfg) { c.SessionsEnabled = false })
	b := s.browser(t)
	if r := b.visit("x"); len(r.header.Values("Set-Cookie")) != 0 {
		t.Error("session issued while disabled")
	}
	mustOK(t, b.post("/api/new", map[string]string{"CustomURL": "x", "Content": "x", "EditPassword": "pw"}))
	r := b.post("/api/associate", map[string]string{"CustomURL": "x", "EditPassword": "pw"})
	if r.success || r.message != domain.ReasonSessionsDisabled {
		t.Errorf("associate while disabled: %q", r.message)
	}
}

func TestCreateAssociates(t *testing.T) {
	s := newStack(t, nil)
	b := s.browser(t)
	b.visit("home")

	r := mustOK(t, b.post("/api/new", map[string]interface{}{
		"CustomURL": "HomePage", "Content": "hi", "EditPassword": "pw", "Associate": true,
	}))
	var assocDirective string
	for _, d := range r.header.Values("Set-Cookie") {
		if strings.HasPrefix(d, "associated=") {
			assocDirective = d
		}
	}
	if !strings.HasPrefix(assocDirective, "associated=homepage;") {
		t.Fatalf("associated directive = %q", assocDirective)
	}
	if got := b.whoami(); got != "homepage" {
		t.Errorf("whoami = %q", got)
	}

	// owner edits metadata without the password
	mustOK(t, b.post("/api/metadata", map[string]interface{}{
		"CustomURL": "homepage", "Metadata": map[string]string{"Title": "mine"},
	}))

	stranger := s.browser(t)
	stranger.visit("homepage")
	r = stranger.post("/api/metadata", map[string]interface{}{
		"CustomURL": "homepage", "Metadata": map[string]string{"Title": "theirs"},
	})
	if r.success {
		t.Error("stranger edited metadata without a password")
	}
}

func TestAssociateNeedsSession(t *testing.T) {
	s := newStack(t, nil)
	c := s.newClient(t, "curl/8.5.0")
	mustOK(t, c.post("/api/new", map[string]string{"CustomURL": "x", "Content": "x", "EditPassword": "pw"}))
	r := c.post("/api/associate", map[string]string{"CustomURL": "x", "EditPassword": "pw"})
	if r.success || r.message != domain.ReasonNoSession {
		t.Errorf("associate without session: %q", r.message)
	}
}

func TestAssociatedCookieCorrected(t *testing.T) {
	s := newStack(t, nil)
	b := s.browser(t)
	b.visit("x")
	mustOK(t, b.post("/api/new", map[string]string{"CustomURL": "real", "Content": "x", "EditPassword": "pw"}))
	mustOK(t, b.post("/api/associate", map[string]string{"CustomURL": "real", "EditPassword": "pw"}))

	// a forged cookie is not trusted and is rewritten to the recorded value
	b.setCookie("associated", "somebody-else")
	if got := b.whoami(); got != "" {
		t.Errorf("forged cookie trusted as %q", got)
	}
	if got := b.cookie("associated"); got != "real" {
		t.Errorf("associated cookie = %q after correction", got)
	}
	if got := b.whoami(); got != "real" {
		t.Errorf("whoami after correction = %q", got)
	}

	// a missing cookie is restored the same way
	u, _ := url.Parse(s.ts.URL)
	b.http.Jar.SetCookies(u, []*http.Cookie{{Name: "associated", Value: "", Path: "/", MaxAge: -1}})
	b.whoami()
	if got := b.whoami(); got != "real" {
		t.Errorf("whoami after restore = %q", got)
	}
}

func TestStaleAssociatedCookieCleared(t *testing.T) {
	s := newStack(t, nil)
	b := s.browser(t)
	b.visit("x")
	b.setCookie("associated", "ghost")
	r := b.get("/api/whoami")
	var cleared bool
	for _, d := range r.header.Values("Set-Cookie") {
		if strings.HasPrefix(d, "associated=;") && strings.HasSuffix(d, "Max-Age=0") {
			cleared = true
		}
	}
	if !cleared {
		t.Errorf("stale cookie not cleared: %q", r.header.Values("Set-Cookie"))
	}
	if b.cookie("associated") != "" {
		t.Error("jar still holds the stale cookie")
	}
}

func TestUnknownSessionCleared(t *testing.T) {
	s := newStack(t, nil)
	b := s.browser(t)
	b.setCookie("session-id", "00000000-0000-0000-0000-000000000000")
	r := b.visit("x")
	var cleared, issued bool
	for _, d := range r.header.Values("Set-Cookie") {
		if strings.HasPrefix(d, "session-id=;") {
			cleared = true
		} else if strings.HasPrefix(d, "session-id=") {
			issued = true
		}
	}
	if !cleared || !issued {
		t.Errorf("Set-Cookie = %q, want clear then reissue", r.header.Values("Set-Cookie"))
	}
}

func TestLogoutAndRevoke(t *testing.T) {
	s := newStack(t, nil)
	owner := s.newClient(t, "")
	mustOK(t, owner.post("/api/new", map[string]string{"CustomURL": "shared", "Content": "x", "EditPassword": "pw"}))

	a, b := s.browser(t), s.browser(t)
	for _, c := range []*client{a, b} {
		c.visit("shared")
		mustOK(t, c.post("/api/associate", map[string]string{"CustomURL": "shared", "EditPassword": "pw"}))
		if c.whoami() != "shared" {
			t.Fatal("association failed")
		}
	}

	mustOK(t, a.post("/api/disassociate", map[string]string{}))
	if got := a.whoami(); got != "" {
		t.Errorf("after logout whoami = %q", got)
	}
	if b.whoami() != "shared" {
		t.Error("logout affected another session")
	}

	r := owner.post("/api/sessions/revoke", map[string]string{"CustomURL": "shared", "EditPassword": "wrong"})
	if r.success {
		t.Fatal("revoke with wrong password")
	}
	r = mustOK(t, owner.post("/api/sessions/revoke", map[string]string{"CustomURL": "shared", "EditPassword": "pw"}))
	if n := decode[map[string]int](t, r.payload)["Revoked"]; n != 1 {
		t.Errorf("revoked = %d, want 1", n)
	}
	b.whoami()
	if got := b.whoami(); got != "" {
		t.Errorf("revoked session still resolves to %q", got)
	}
}

func TestDeleteEndsAssociations(t *testing.T) {
	s := newStack(t, nil)
	b := s.browser(t)
	b.visit("gone")
	mustOK(t, b.post("/api/new", map[string]interface{}{
		"CustomURL": "gone", "Content": "x", "EditPassword": "pw", "Associate": true,
	}))
	if b.whoami() != "gone" {
		t.Fatal("not associated")
	}
	mustOK(t, b.post("/api/delete", map[string]string{"CustomURL": "gone", "EditPassword": "pw"}))
	b.whoami()
	if got := b.whoami(); got != "" {
		t.Errorf("association survived delete: %q", got)
	}
}
