// Package assoc turns a browser's cookies into an identity: anonymous, or
// associated with exactly one paste. It is the only writer of a session's
// association pointer.
package assoc

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"mdbin/metrics"
	"mdbin/pkg/domain"
	"mdbin/svc/session"
	"mdbin/svc/util"
)

type Config struct {
	Enabled           bool
	SessionMaxAge     time.Duration
	AssociationMaxAge time.Duration
}

type Resolver struct {
	sessions *session.Store
	ipHasher *util.IPHasher
	cfg      Config
}

// New builds a resolver. ipHasher may be nil, in which case no IP is recorded.
func New(sessions *session.Store, ipHasher *util.IPHasher, cfg Config) *Resolver {
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = 64 * 24 * time.Hour
	}
	if cfg.AssociationMaxAge <= 0 {
		cfg.AssociationMaxAge = 365 * 24 * time.Hour
	}
	return &Resolver{sessions: sessions, ipHasher: ipHasher, cfg: cfg}
}

func (r *Resolver) Enabled() bool {
	return r.cfg.Enabled
}

// Resolve derives the caller's identity. The string is either a custom URL, a
// reason, or a corrective Set-Cookie directive (see IsCookieDirective).
// Failures are soft.
func (r *Resolver) Resolve(ctx context.Context, cookies Cookies, ip string) (bool, string) {
	if !r.cfg.Enabled {
		return false, domain.ReasonSessionsDisabled
	}
	sid := cookies[SessionCookieName]
	if sid == "" {
		metrics.AssociationOutcomes.WithLabelValues("no_session").Inc()
		return false, domain.ReasonNoSession
	}
	rec, ok, err := r.sessions.GetSession(ctx, sid)
	if err != nil {
		util.Error().Err(err).Str("session", util.RedactToken(sid)).Msg("session lookup failed")
		metrics.AssociationOutcomes.WithLabelValues("error").Inc()
		return false, domain.ReasonNoSession
	}
	if !ok {
		metrics.AssociationOutcomes.WithLabelValues("expired").Inc()
		return false, ClearSessionCookie()
	}

	cookieVal, hasCookie := cookies[AssociatedCookieName]
	hasCookie = hasCookie && cookieVal != ""
	if rec.IsAssociated() {
		if hasCookie && sameAssociation(cookieVal, rec.Associated) {
			metrics.AssociationOutcomes.WithLabelValues("associated").Inc()
			return true, rec.Associated
		}
		metrics.AssociationOutcomes.WithLabelValues("corrected").Inc()
		return true, AssociatedCookie(rec.Associated, r.cfg.AssociationMaxAge)
	}
	if hasCookie {
		metrics.AssociationOutcomes.WithLabelValues("cleared").Inc()
		return false, ClearAssociatedCookie()
	}
	metrics.AssociationOutcomes.WithLabelValues("anonymous").Inc()
	return false, domain.ReasonNotAssociated
}

func sameAssociation(cookieVal, logVal string) bool {
	dec, ok := DecodeAssociation(cookieVal)
	return ok && strings.EqualFold(dec, norm.NFC.String(logVal))
}

// Associate points the caller's session at customURL, refreshing the recorded
// IP, and returns the cookie that mirrors it.
func (r *Resolver) Associate(ctx context.Context, cookies Cookies, ip, customURL string) (bool, string) {
	if !r.cfg.Enabled {
		return false, domain.ReasonSessionsDisabled
	}
	sid := cookies[SessionCookieName]
	rec, ok, err := r.lookup(ctx, sid)
	if err != nil || !ok {
		return false, domain.ReasonNoSession
	}
	rec.IP = r.hashIP(ip)
	rec.Associated = customURL
	if err := r.sessions.PutSession(ctx, sid, rec); err != nil {
		util.Error().Err(err).Str("session", util.RedactToken(sid)).Msg("associate failed")
		return false, domain.ReasonInternal
	}
	return true, AssociatedCookie(customURL, r.cfg.AssociationMaxAge)
}

// Disassociate strips the association and returns the cookie clearing it.
func (r *Resolver) Disassociate(ctx context.Context, cookies Cookies) (bool, string) {
	if !r.cfg.Enabled {
		return false, domain.ReasonSessionsDisabled
	}
	sid := cookies[SessionCookieName]
	rec, ok, err := r.lookup(ctx, sid)
	if err != nil || !ok {
		return false, domain.ReasonNoSession
	}
	if rec.IsAssociated() {
		rec.Associated = ""
		if err := r.sessions.PutSession(ctx, sid, rec); err != nil {
			util.Error().Err(err).Str("session", util.RedactToken(sid)).Msg("disassociate failed")
			return false, domain.ReasonInternal
		}
	}
	return false, ClearAssociatedCookie()
}

// Snapshot captures a session record so a failed multi-step flow can restore it.
func (r *Resolver) Snapshot(ctx context.Context, sessionID string) (session.Record, bool, error) {
	return r.lookup(ctx, sessionID)
}

// Restore writes a previously captured record back.
func (r *Resolver) Restore(ctx context.Context, sessionID string, rec session.Record) error {
	return r.sessions.PutSession(ctx, sessionID, rec)
}

// ForgetPaste clears every session associated with customURL.
func (r *Resolver) ForgetPaste(ctx context.Context, customURL string) (int, error) {
	return r.sessions.ClearAssociation(ctx, customURL)
}

// IssueSession creates a session for a plausible browser and returns the
// session cookie directive; ok is false when none should be issued.
func (r *Resolver) IssueSession(ctx context.Context, userAgent, ip string) (string, bool) {
	if !r.cfg.Enabled || !PlausibleBrowser(userAgent) {
		return "", false
	}
	l, err := r.sessions.CreateSession(ctx, session.Record{UserAgent: userAgent, IP: r.hashIP(ip)})
	if err != nil {
		util.Error().Err(err).Msg("issue session failed")
		return "", false
	}
	metrics.SessionsIssued.Inc()
	return SessionCookie(l.ID, r.cfg.SessionMaxAge), true
}

func (r *Resolver) lookup(ctx context.Context, sid string) (session.Record, bool, error) {
	if sid == "" {
		return session.Record{}, false, nil
	}
	return r.sessions.GetSession(ctx, sid)
}

func (r *Resolver) hashIP(ip string) string {
	if r.ipHasher == nil || ip == "" {
		return ""
	}
	h, err := r.ipHasher.HashIP(ip)
	if err != nil {
		util.Warn().Err(err).Str("ip", util.RedactIP(ip)).Msg("ip hash failed")
		return ""
	}
	return h
}

var botMarkers = []string{
	"bot", "crawl", "spider", "slurp", "curl", "wget", "python", "go-http-client",
	"headless", "httpclient", "okhttp", "java/", "libwww", "preview", "facebookexternalhit",
}

// PlausibleBrowser reports whether a user agent looks like a real browser.
func PlausibleBrowser(ua string) bool {
	if len(ua) < 10 || len(ua) > 512 || !strings.HasPrefix(ua, "Mozilla/") {
		return false
	}
	lower := strings.ToLower(ua)
	for _, m := range botMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	return true
}
