package svc

import (
	"context"

	"mdbin/pkg/domain"
	"mdbin/svc/util"
)

func (p *Paste) requireAdmin(ctx context.Context, password string) *domain.Result {
	ok, err := p.access.IsAdmin(ctx, password)
	if err != nil {
		return domain.Failure(err)
	}
	if !ok {
		return domain.Fail(domain.ReasonInvalidPassword)
	}
	return nil
}

// QueryLogs lists log records for moderation. Admin only.
func (p *Paste) QueryLogs(ctx context.Context, adminPassword string, q domain.LogQuery) *domain.Result {
	if fail := p.requireAdmin(ctx, adminPassword); fail != nil {
		return fail
	}
	logs, err := p.sessions.QueryLogs(ctx, q)
	if err != nil {
		return domain.Failure(err)
	}
	if logs == nil {
		logs = []*domain.Log{}
	}
	return domain.OK("", logs)
}

// DeleteLog removes one log record. Deleting a session log ends that session.
func (p *Paste) DeleteLog(ctx context.Context, adminPassword, id string) *domain.Result {
	if fail := p.requireAdmin(ctx, adminPassword); fail != nil {
		return fail
	}
	l, err := p.sessions.GetLog(ctx, id)
	if err != nil {
		return domain.Failure(err)
	}
	if l == nil {
		return domain.Fail(domain.ErrLogNotFound.Msg)
	}
	if err := p.sessions.DeleteLog(ctx, id); err != nil {
		return domain.Failure(err)
	}
	util.Info().Str("type", l.Type).Str("id", util.RedactToken(id)).Msg("log deleted by admin")
	return domain.OK(domain.ReasonLogDeleted, nil)
}
