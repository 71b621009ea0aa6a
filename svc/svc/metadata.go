package svc

import (
	"context"

	"mdbin/pkg/domain"
	"mdbin/svc/access"
)

// EditMetadata replaces a paste's metadata. Comment linkage is kept from the
// stored record; callers cannot move a comment to another thread.
func (p *Paste) EditMetadata(ctx context.Context, url, password string, md *domain.Metadata, caller domain.Caller) *domain.Result {
	done, err := p.begin()
	if err != nil {
		return domain.Failure(err)
	}
	defer done()

	url = CanonicalURL(url)
	paste, fail := p.loadOrFail(ctx, url)
	if fail != nil {
		return fail
	}
	if fail := p.authorize(ctx, access.Request{
		Op: access.OpEditMetadata, Paste: paste, Password: password, Identity: caller.Identity,
	}); fail != nil {
		return fail
	}

	updated := paste.Clone()
	if md == nil {
		updated.Metadata = nil
	} else {
		next := *md
		next.Comments = nil
		if md.Comments != nil {
			next.Comments = &domain.CommentsMeta{Enabled: md.Comments.Enabled}
		}
		if paste.IsComment() {
			if next.Comments == nil {
				next.Comments = &domain.CommentsMeta{}
			}
			next.Comments.IsCommentOn = paste.CommentOn()
			next.Comments.ParentCommentOn = paste.ParentComment()
		}
		updated.Metadata = &next
	}
	updated.EditDate = p.nowMillis()

	if err := p.db.UpdatePaste(ctx, updated); err != nil {
		p.lru.Delete(url)
		return domain.Failure(err)
	}
	p.lru.Delete(url)
	return domain.OK(domain.ReasonMetadataUpdated, updated.Public().Metadata)
}

// SourcePayload is the raw form of a paste returned by GetSource.
type SourcePayload struct {
	CustomURL string           `json:"CustomURL"`
	Content   string           `json:"Content"`
	Metadata  *domain.Metadata `json:"Metadata,omitempty"`
	EditDate  int64            `json:"EditDate"`
}

// GetSource returns the unrendered content. Pastes marked PrivateSource need
// the edit password, admin, or the owning identity; private pastes also need
// the view password.
func (p *Paste) GetSource(ctx context.Context, url, password, viewPassword string, caller domain.Caller) *domain.Result {
	url = CanonicalURL(url)
	paste, fail := p.loadOrFail(ctx, url)
	if fail != nil {
		return fail
	}
	if fail := p.authorize(ctx, access.Request{
		Op: access.OpViewSource, Paste: paste, Password: password, Identity: caller.Identity,
	}); fail != nil {
		return fail
	}
	content := paste.Content
	if paste.ViewPassword != "" {
		plaintext, ok := p.GetDecrypted(ctx, url, viewPassword)
		if !ok {
			return domain.Fail(domain.ReasonInvalidViewPassword)
		}
		content = plaintext
	}
	return domain.OK("", SourcePayload{
		CustomURL: paste.CustomURL,
		Content:   content,
		Metadata:  paste.Reader().Metadata,
		EditDate:  paste.EditDate,
	})
}
