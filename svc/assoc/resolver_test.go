package assoc

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mdbin/pkg/domain"
	"mdbin/svc/db"
	"mdbin/svc/session"
	"mdbin/svc/util"
)

var memSeq int64

func newTestResolver(t *testing.T, enabled bool) (*Resolver, *session.Store) {
	t.Helper()
	path := fmt.Sprintf("file:assoctest%d?mode=memory&cache=shared", atomic.AddInt64(&memSeq, 1))
	sq, err := db.NewSQLiteWithConfig(path, 4, 4, time.Second)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	hasher, err := util.NewIPHasher([]byte("test-pepper-test-pepper-test-pep"), time.Hour)
	if err != nil {
		t.Fatalf("NewIPHasher: %v", err)
	}
	t.Cleanup(hasher.Stop)
	store := session.NewStore(sq, nil, time.Minute)
	return New(store, hasher, Config{Enabled: enabled}), store
}

func seedSession(t *testing.T, store *session.Store, content string) string {
	t.Helper()
	l, err := store.CreateLog(context.Background(), domain.LogTypeSession, content)
	if err != nil {
		t.Fatalf("CreateLog: %v", err)
	}
	return l.ID
}

func TestCookieFormats(t *testing.T) {
	if got, want := SessionCookie("abc", 64*24*time.Hour),
		"session-id=abc; SameSite=Strict; Secure; Path=/; HostOnly=true; HttpOnly=true; Max-Age=5529600"; got != want {
		t.Errorf("SessionCookie = %q, want %q", got, want)
	}
	if got, want := AssociatedCookie("alice", 365*24*time.Hour),
		"associated=alice; SameSite=Strict; Secure; Path=/; HostOnly=true; HttpOnly=true; Max-Age=31536000"; got != want {
		t.Errorf("AssociatedCookie = %q, want %q", got, want)
	}
	if got := ClearAssociatedCookie(); got != "associated=; SameSite=Strict; Secure; Path=/; HostOnly=true; HttpOnly=true; Max-Age=0" {
		t.Errorf("ClearAssociatedCookie = %q", got)
	}
	if got := ClearSessionCookie(); !strings.HasSuffix(got, "Max-Age=0") || !strings.HasPrefix(got, "session-id=;") {
		t.Errorf("ClearSessionCookie = %q", got)
	}
}

func TestResolveDisabled(t *testing.T) {
	r, _ := newTestResolver(t, false)
	ok, id := r.Resolve(context.Background(), Cookies{SessionCookieName: "x"}, "1.2.3.4")
	if ok || id != "Sessions are disabled" {
		t.Errorf("got (%v, %q)", ok, id)
	}
}

func TestResolveCookieStates(t *testing.T) {
	r, store := newTestResolver(t, true)
	ctx := context.Background()
	sid := seedSession(t, store, "Mozilla/5.0;_with;alice")
	plain := seedSession(t, store, "Mozilla/5.0")

	tests := []struct {
		name    string
		cookies Cookies
		wantOK  bool
		want    string
	}{
		{"no cookie", Cookies{}, false, "Session does not exist"},
		{"unknown session", Cookies{SessionCookieName: "gone"}, false, ClearSessionCookie()},
		{"associated without cookie", Cookies{SessionCookieName: sid}, true,
			"associated=alice; SameSite=Strict; Secure; Path=/; HostOnly=true; HttpOnly=true; Max-Age=31536000"},
		{"associated with stale cookie", Cookies{SessionCookieName: sid, AssociatedCookieName: "bob"}, true,
			AssociatedCookie("alice", 365*24*time.Hour)},
		{"associated and in sync", Cookies{SessionCookieName: sid, AssociatedCookieName: "alice"}, true, "alice"},
		{"log cleared but cookie claims", Cookies{SessionCookieName: plain, AssociatedCookieName: "alice"}, false, ClearAssociatedCookie()},
		{"anonymous", Cookies{SessionCookieName: plain}, false, "Session is not associated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, id := r.Resolve(ctx, tt.cookies, "1.2.3.4")
			if ok != tt.wantOK || id != tt.want {
				t.Errorf("Resolve = (%v, %q), want (%v, %q)", ok, id, tt.wantOK, tt.want)
			}
		})
	}
}

func TestResolveIdempotent(t *testing.T) {
	r, store := newTestResolver(t, true)
	sid := seedSession(t, store, "Mozilla/5.0;_with;alice")
	c := Cookies{SessionCookieName: sid}

	ok1, id1 := r.Resolve(context.Background(), c, "")
	ok2, id2 := r.Resolve(context.Background(), c, "")
	if ok1 != ok2 || id1 != id2 {
		t.Errorf("Resolve not idempotent: (%v,%q) vs (%v,%q)", ok1, id1, ok2, id2)
	}
}

func TestAssociateAndDisassociate(t *testing.T) {
	r, store := newTestResolver(t, true)
	ctx := context.Background()
	sid := seedSession(t, store, "Mozilla/5.0")
	c := Cookies{SessionCookieName: sid}

	ok, directive := r.Associate(ctx, c, "203.0.113.9", "notes")
	if !ok || directive != AssociatedCookie("notes", 365*24*time.Hour) {
		t.Fatalf("Associate = (%v, %q)", ok, directive)
	}
	l, _ := store.GetLog(ctx, sid)
	rec := session.Parse(l.Content)
	if rec.Associated != "notes" || rec.IP == "" || strings.Contains(l.Content, "203.0.113.9") {
		t.Errorf("unexpected record content %q", l.Content)
	}

	c[AssociatedCookieName] = "notes"
	if ok, id := r.Resolve(ctx, c, ""); !ok || id != "notes" {
		t.Errorf("Resolve after associate = (%v, %q)", ok, id)
	}

	ok, directive = r.Disassociate(ctx, c)
	if ok || directive != ClearAssociatedCookie() {
		t.Fatalf("Disassociate = (%v, %q)", ok, directive)
	}
	delete(c, AssociatedCookieName)
	if ok, id := r.Resolve(ctx, c, ""); ok || id != "Session is not associated" {
		t.Errorf("Resolve after disassociate = (%v, %q)", ok, id)
	}
}

func TestAssociateWithoutSession(t *testing.T) {
	r, _ := newTestResolver(t, true)
	if ok, id := r.Associate(context.Background(), Cookies{}, "", "x"); ok || id != "Session does not exist" {
		t.Errorf("got (%v, %q)", ok, id)
	}
}

func TestNonASCIIAssociationRoundTrip(t *testing.T) {
	r, store := newTestResolver(t, true)
	ctx := context.Background()
	sid := seedSession(t, store, "Mozilla/5.0")
	c := Cookies{SessionCookieName: sid}

	_, directive := r.Associate(ctx, c, "", "café")
	value := strings.TrimPrefix(strings.SplitN(directive, ";", 2)[0], "associated=")
	for _, ch := range value {
		if ch > 0x7e || ch == ';' || ch == ' ' || ch == ',' {
			t.Fatalf("cookie value %q is not cookie-safe", value)
		}
	}
	c[AssociatedCookieName] = value
	if ok, id := r.Resolve(ctx, c, ""); !ok || id != "café" {
		t.Errorf("Resolve = (%v, %q)", ok, id)
	}
}

func TestSnapshotRestore(t *testing.T) {
	r, store := newTestResolver(t, true)
	ctx := context.Background()
	sid := seedSession(t, store, "Mozilla/5.0;_with;old")

	snap, ok, err := r.Snapshot(ctx, sid)
	if err != nil || !ok {
		t.Fatalf("Snapshot = %v, %v", ok, err)
	}
	r.Associate(ctx, Cookies{SessionCookieName: sid}, "", "new")
	if err := r.Restore(ctx, sid, snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	rec, _, _ := store.GetSession(ctx, sid)
	if rec.Associated != "old" {
		t.Errorf("expected restored association, got %q", rec.Associated)
	}
}

func TestIssueSession(t *testing.T) {
	r, store := newTestResolver(t, true)
	ctx := context.Background()

	if _, ok := r.IssueSession(ctx, "curl/8.0", "1.2.3.4"); ok {
		t.Error("issued session for curl")
	}
	if _, ok := r.IssueSession(ctx, "Mozilla/5.0 (compatible; Googlebot/2.1)", ""); ok {
		t.Error("issued session for crawler")
	}
	directive, ok := r.IssueSession(ctx, "Mozilla/5.0 (X11; Linux x86_64) Firefox/130.0", "1.2.3.4")
	if !ok || !strings.HasPrefix(directive, "session-id=") || !strings.HasSuffix(directive, "Max-Age=5529600") {
		t.Fatalf("IssueSession = (%q, %v)", directive, ok)
	}
	sid := strings.TrimPrefix(strings.SplitN(directive, ";", 2)[0], "session-id=")
	if _, ok, _ := store.GetSession(ctx, sid); !ok {
		t.Error("issued session not stored")
	}
}

func TestIsCookieDirective(t *testing.T) {
	if !IsCookieDirective(AssociatedCookie("a", time.Hour)) || !IsCookieDirective(ClearSessionCookie()) {
		t.Error("directive not detected")
	}
	if IsCookieDirective("alice") || IsCookieDirective(domain.ReasonNoSession) {
		t.Error("identity mistaken for directive")
	}
}

func TestFromRequest(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "sid"})
	req.AddCookie(&http.Cookie{Name: "other", Value: "x"})
	c := FromRequest(req)
	if c[SessionCookieName] != "sid" || len(c) != 1 {
		t.Errorf("FromRequest = %v", c)
	}
}
