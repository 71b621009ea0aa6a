package svc

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"mdbin/metrics"
	"mdbin/pkg/domain"
	"mdbin/svc/access"
	"mdbin/svc/util"
)

type CommentParams struct {
	// On is the paste being commented on.
	On           string
	Content      string
	EditPassword string
	// ReplyTo optionally names a comment in the same thread.
	ReplyTo string
}

func newCommentURL() string {
	return commentGroup + "/" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateComment stores a comment as a paste linked to its thread. The author
// is recorded as the comment's owner when the caller is associated.
func (p *Paste) CreateComment(ctx context.Context, params CommentParams, caller domain.Caller) *domain.Result {
	done, err := p.begin()
	if err != nil {
		return domain.Failure(err)
	}
	defer done()

	on := CanonicalURL(params.On)
	parent, fail := p.loadOrFail(ctx, on)
	if fail != nil {
		return fail
	}
	if _, host := domain.SplitHost(on); host != "" {
		return domain.Fail(domain.ReasonRemote)
	}
	if !parent.Metadata.CommentsEnabled() || parent.IsComment() {
		return domain.Fail(domain.ReasonCommentsDisabled)
	}
	if reason := p.validateContent(params.Content); reason != "" {
		return domain.Fail(reason)
	}

	replyTo := CanonicalURL(params.ReplyTo)
	if replyTo != "" {
		target, fail := p.loadOrFail(ctx, replyTo)
		if fail != nil {
			return fail
		}
		if !strings.EqualFold(target.CommentOn(), on) {
			return domain.Fail(domain.ReasonNotAComment)
		}
	}

	payload := CreatedPayload{CustomURL: newCommentURL()}
	editPassword := params.EditPassword
	if editPassword == "" {
		if editPassword, err = util.GenEditCode(); err != nil {
			return domain.Failure(err)
		}
		payload.EditPassword = editPassword
	}
	digest, err := p.hasher.Hash(ctx, editPassword)
	if err != nil {
		return domain.Failure(err)
	}

	now := p.nowMillis()
	comment := &domain.Paste{
		CustomURL:    payload.CustomURL,
		Content:      params.Content,
		EditPassword: digest,
		PubDate:      now,
		EditDate:     now,
		GroupName:    commentGroup,
		Associated:   caller.Identity,
		Metadata: &domain.Metadata{
			Owner: caller.Identity,
			Comments: &domain.CommentsMeta{
				IsCommentOn:     on,
				ParentCommentOn: replyTo,
			},
		},
	}
	if err := p.db.CreatePaste(ctx, comment); err != nil {
		util.Error().Err(err).Str("on", on).Msg("create comment failed")
		return domain.Failure(err)
	}
	metrics.CommentCreated.Inc()
	return domain.OK(domain.ReasonCommentCreated, payload)
}

// ListComments returns the public form of every comment on url.
func (p *Paste) ListComments(ctx context.Context, url string) *domain.Result {
	url = CanonicalURL(url)
	if _, fail := p.loadOrFail(ctx, url); fail != nil {
		return fail
	}
	comments, err := p.db.ListComments(ctx, url, 0)
	if err != nil {
		return domain.Failure(err)
	}
	out := make([]*domain.Paste, 0, len(comments))
	for _, c := range comments {
		pub := c.Reader()
		pub.IsEditable = !c.Metadata.IsLocked()
		out = append(out, pub)
	}
	return domain.OK("", out)
}

// DeleteComment moderates a comment out of its thread.
func (p *Paste) DeleteComment(ctx context.Context, url, password string, caller domain.Caller) *domain.Result {
	done, err := p.begin()
	if err != nil {
		return domain.Failure(err)
	}
	defer done()

	url = CanonicalURL(url)
	comment, fail := p.loadOrFail(ctx, url)
	if fail != nil {
		return fail
	}
	if !comment.IsComment() {
		return domain.Fail(domain.ReasonNotAComment)
	}
	parent, err := p.load(ctx, comment.CommentOn())
	if err != nil && !isNotFound(err) {
		return domain.Failure(err)
	}
	if fail := p.authorize(ctx, access.Request{
		Op: access.OpModerateComments, Paste: comment, Parent: parent, Password: password, Identity: caller.Identity,
	}); fail != nil {
		return fail
	}
	if err := p.remove(ctx, comment); err != nil {
		return domain.Failure(err)
	}
	util.Info().Str("url", url).Str("on", comment.CommentOn()).Msg("comment deleted")
	return domain.OK(domain.ReasonCommentDeleted, nil)
}
