// Package access decides whether a caller may mutate or inspect a paste,
// combining the supplied password, the resolved association and the paste's
// stored edit password and owner metadata.
package access

import (
	"context"
	"strings"

	"mdbin/metrics"
	"mdbin/pkg/domain"
	"mdbin/svc/auth"
)

type Op string

const (
	OpEditContent      Op = "edit"
	OpDelete           Op = "delete"
	OpEditMetadata     Op = "edit_metadata"
	OpModerateComments Op = "moderate_comments"
	OpDisassociate     Op = "disassociate"
	OpViewSource       Op = "view_source"
	OpLogin            Op = "login"
)

// lockGated operations are refused on a locked paste to everyone but admin.
func (op Op) lockGated() bool {
	return op == OpEditMetadata || op == OpModerateComments || op == OpDisassociate
}

// ownerScoped operations may be performed by the owning identity without a password.
func (op Op) ownerScoped() bool {
	return op == OpEditMetadata || op == OpModerateComments || op == OpViewSource
}

// adminBlockedOnReserved operations stay refused for admin on reserved groups.
func (op Op) adminBlockedOnReserved() bool {
	return op == OpDelete || op == OpDisassociate
}

type Via string

const (
	ViaAdmin    Via = "admin"
	ViaPassword Via = "password"
	ViaOwner    Via = "owner"
	ViaPublic   Via = "public"
)

type Request struct {
	Op    Op
	Paste *domain.Paste
	// Parent is the paste a comment belongs to; only used for OpModerateComments.
	Parent   *domain.Paste
	Password string
	// Identity is the caller's associated custom URL, or "" when anonymous.
	Identity string
}

type Decision struct {
	Allowed bool
	Via     Via
	// Reason is user-visible text for denials.
	Reason string
	// Err is set when the decision could not be made.
	Err error
}

func allow(via Via) Decision { return Decision{Allowed: true, Via: via} }

func deny(reason string) Decision { return Decision{Reason: reason} }

type Digester interface {
	Hash(ctx context.Context, secret string) (string, error)
}

type Evaluator struct {
	hasher      Digester
	adminDigest string
	reserved    func(group string) bool
}

// NewEvaluator hashes the admin password once. An empty admin password
// disables the override. reserved may be nil.
func NewEvaluator(ctx context.Context, hasher Digester, adminPassword string, reserved func(string) bool) (*Evaluator, error) {
	var digest string
	if adminPassword != "" {
		var err error
		if digest, err = hasher.Hash(ctx, adminPassword); err != nil {
			return nil, err
		}
	}
	if reserved == nil {
		reserved = func(string) bool { return false }
	}
	return &Evaluator{hasher: hasher, adminDigest: digest, reserved: reserved}, nil
}

// IsAdmin reports whether password is the instance admin password.
func (e *Evaluator) IsAdmin(ctx context.Context, password string) (bool, error) {
	d, err := e.hasher.Hash(ctx, password)
	if err != nil {
		return false, err
	}
	return auth.Equal(d, e.adminDigest), nil
}

// Authorize applies, in order: admin override, edit password, owner identity.
// A lock only surfaces as the reason once a credential has matched, so a
// stranger learns nothing about lock state.
func (e *Evaluator) Authorize(ctx context.Context, req Request) Decision {
	d := e.authorize(ctx, req)
	outcome := "denied"
	if d.Err != nil {
		outcome = "error"
	} else if d.Allowed {
		outcome = string(d.Via)
	}
	metrics.AuthDecisions.WithLabelValues(string(req.Op), outcome).Inc()
	return d
}

func (e *Evaluator) authorize(ctx context.Context, req Request) Decision {
	p := req.Paste
	if p == nil {
		return deny(domain.ReasonPasteNotFound)
	}
	if _, host := domain.SplitHost(p.CustomURL); host != "" || p.HostServer != "" {
		return deny(domain.ReasonRemote)
	}
	if req.Op == OpViewSource && !p.Metadata.HasPrivateSource() {
		return allow(ViaPublic)
	}

	digest, err := e.hasher.Hash(ctx, req.Password)
	if err != nil {
		return Decision{Reason: domain.ReasonInternal, Err: err}
	}

	if auth.Equal(digest, e.adminDigest) {
		if req.Op.adminBlockedOnReserved() && e.reserved(p.GroupName) {
			return deny(domain.ReasonReserved)
		}
		return allow(ViaAdmin)
	}

	locked := e.locked(req)
	if e.passwordMatches(digest, req) {
		if req.Op.lockGated() && locked {
			return deny(lockReason(req.Op))
		}
		return allow(ViaPassword)
	}

	if req.Op.ownerScoped() && e.ownerMatches(req) {
		if req.Op.lockGated() && locked {
			return deny(lockReason(req.Op))
		}
		return allow(ViaOwner)
	}
	return deny(domain.ReasonInvalidPassword)
}

func (e *Evaluator) locked(req Request) bool {
	if req.Paste.Metadata.IsLocked() {
		return true
	}
	return req.Op == OpModerateComments && req.Parent != nil && req.Parent.Metadata.IsLocked()
}

func (e *Evaluator) passwordMatches(digest string, req Request) bool {
	if auth.Equal(digest, req.Paste.EditPassword) {
		return true
	}
	return req.Op == OpModerateComments && req.Parent != nil && auth.Equal(digest, req.Parent.EditPassword)
}

// ownerMatches checks the identity against the paste's owner. A session
// associated with the paste itself also counts. For comment moderation the
// comment's owner, the paste one level up the reply chain, and the thread
// root with its owner all qualify.
func (e *Evaluator) ownerMatches(req Request) bool {
	id := req.Identity
	if id == "" {
		return false
	}
	p := req.Paste
	candidates := []string{p.Metadata.OwnerName()}
	switch req.Op {
	case OpModerateComments:
		candidates = append(candidates, p.ParentComment(), p.CommentOn())
		if req.Parent != nil {
			candidates = append(candidates, req.Parent.Metadata.OwnerName())
		}
	default:
		candidates = append(candidates, p.CustomURL)
	}
	for _, c := range candidates {
		if c != "" && strings.EqualFold(c, id) {
			return true
		}
	}
	return false
}

func lockReason(op Op) string {
	switch op {
	case OpModerateComments:
		return domain.ReasonCommentLocked
	case OpDisassociate:
		return domain.ReasonDisassociateLocked
	default:
		return domain.ReasonMetadataLocked
	}
}
