package svc

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"mdbin/pkg/domain"
)

// commentGroup is the namespace comment pastes are created under.
const commentGroup = "c"

// CanonicalURL lowercases and NFC-normalises a custom URL.
func CanonicalURL(raw string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(raw)))
}

// validateURL returns a user-visible reason, or "" when url is acceptable for
// a new local paste.
func (p *Paste) validateURL(url string) string {
	if url == "" {
		return domain.ReasonInvalidURL
	}
	if len(url) > p.cfg.MaxCustomURLLength {
		return domain.ReasonURLTooLong
	}
	if strings.Count(url, "/") > 1 || strings.HasPrefix(url, "/") || strings.HasSuffix(url, "/") {
		return domain.ReasonInvalidURL
	}
	for _, r := range url {
		switch {
		case r == '/' || r == '-' || r == '_' || r == '.':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
		default:
			return domain.ReasonInvalidURL
		}
	}
	if url == "." || url == ".." {
		return domain.ReasonInvalidURL
	}
	group, _ := domain.SplitGroup(url)
	if group == commentGroup || p.cfg.IsReservedGroup(group) {
		return domain.ReasonReservedGroup
	}
	return ""
}

func (p *Paste) validateContent(content string) string {
	if strings.TrimSpace(content) == "" {
		return domain.ReasonContentRequired
	}
	if int64(len(content)) > p.cfg.MaxPasteSize {
		return domain.ReasonContentTooLarge
	}
	return ""
}

// sanitizeMetadata drops fields a caller may not set on their own: comment
// linkage is owned by the comment flow, and an owner can only be the caller's
// own identity.
func sanitizeMetadata(md *domain.Metadata, identity string) *domain.Metadata {
	if md == nil {
		return nil
	}
	out := *md
	if out.Owner != "" && !strings.EqualFold(out.Owner, identity) {
		out.Owner = ""
	}
	if md.Comments != nil {
		out.Comments = &domain.CommentsMeta{Enabled: md.Comments.Enabled}
	}
	return &out
}
