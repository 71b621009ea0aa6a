package svc

import (
	"context"
	"strings"

	"mdbin/pkg/domain"
	"mdbin/svc/access"
	"mdbin/svc/assoc"
	"mdbin/svc/util"
)

// Login associates the caller's session with url after checking its edit
// password.
func (p *Paste) Login(ctx context.Context, url, password string, caller domain.Caller) *domain.Result {
	if !p.resolver.Enabled() {
		return domain.Fail(domain.ReasonSessionsDisabled)
	}
	if caller.SessionID == "" {
		return domain.Fail(domain.ReasonNoSession)
	}
	url = CanonicalURL(url)
	paste, fail := p.loadOrFail(ctx, url)
	if fail != nil {
		return fail
	}
	if fail := p.authorize(ctx, access.Request{
		Op: access.OpLogin, Paste: paste, Password: password, Identity: caller.Identity,
	}); fail != nil {
		return fail
	}
	ok, directive := p.resolver.Associate(ctx, cookiesOf(caller), caller.IP, paste.CustomURL)
	if !ok {
		return domain.Fail(directive)
	}
	util.Info().Str("url", paste.CustomURL).Str("session", util.RedactToken(caller.SessionID)).Msg("session associated")
	return domain.OK(domain.ReasonAssociated, paste.CustomURL).WithCookie(directive)
}

// Logout clears the caller's own association.
func (p *Paste) Logout(ctx context.Context, caller domain.Caller) *domain.Result {
	ok, directive := p.resolver.Disassociate(ctx, cookiesOf(caller))
	if !ok && !assoc.IsCookieDirective(directive) {
		return domain.Fail(directive)
	}
	return domain.OK(domain.ReasonDisassociated, nil).WithCookie(directive)
}

// RevokeSessions clears every session associated with url. It is refused on a
// locked paste except for admin.
func (p *Paste) RevokeSessions(ctx context.Context, url, password string, caller domain.Caller) *domain.Result {
	url = CanonicalURL(url)
	paste, fail := p.loadOrFail(ctx, url)
	if fail != nil {
		return fail
	}
	if fail := p.authorize(ctx, access.Request{
		Op: access.OpDisassociate, Paste: paste, Password: password, Identity: caller.Identity,
	}); fail != nil {
		return fail
	}
	n, err := p.resolver.ForgetPaste(ctx, paste.CustomURL)
	if err != nil {
		return domain.Failure(err)
	}
	res := domain.OK(domain.ReasonSessionsRevoked, map[string]int{"Revoked": n})
	if strings.EqualFold(caller.Identity, paste.CustomURL) {
		res.WithCookie(assoc.ClearAssociatedCookie())
	}
	util.Info().Str("url", paste.CustomURL).Int("sessions", n).Msg("sessions revoked")
	return res
}
