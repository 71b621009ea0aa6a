// Package svc implements paste operations on top of the session, association,
// access and encryption components.
package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"mdbin/cfg"
	"mdbin/metrics"
	"mdbin/pkg/domain"
	"mdbin/pkg/kms"
	"mdbin/svc/access"
	"mdbin/svc/assoc"
	"mdbin/svc/auth"
	"mdbin/svc/cache"
	"mdbin/svc/db"
	"mdbin/svc/session"
	"mdbin/svc/util"
)

var ErrShuttingDown = errors.New("service shutting down")

type Deps struct {
	DB       *db.SQLite
	LRU      *cache.LRU
	Sessions *session.Store
	Resolver *assoc.Resolver
	Access   *access.Evaluator
	Hasher   *auth.Hasher
	KMS      *kms.Adapter
	Cfg      *cfg.Cfg
}

type Paste struct {
	db           *db.SQLite
	lru          *cache.LRU
	sessions     *session.Store
	resolver     *assoc.Resolver
	access       *access.Evaluator
	hasher       *auth.Hasher
	kmsAdapter   *kms.Adapter
	keyCache     *kms.KeyCache
	cfg          *cfg.Cfg
	viewQueue    chan string
	viewWorkerWg sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFn   context.CancelFunc
	shutdown     atomic.Bool
	opWg         sync.WaitGroup
	now          func() time.Time

	// testHookAfterRead runs between the store read and the cache fill in load.
	testHookAfterRead func(url string)
}

// CreatedPayload is returned by Create and CreateComment. EditPassword is only
// set when one was generated for the caller.
type CreatedPayload struct {
	CustomURL    string `json:"CustomURL"`
	EditPassword string `json:"EditPassword,omitempty"`
}

func NewPaste(d Deps) *Paste {
	if d.DB == nil || d.LRU == nil || d.Sessions == nil || d.Resolver == nil ||
		d.Access == nil || d.Hasher == nil || d.KMS == nil || d.Cfg == nil {
		panic("paste service: nil dependency")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	workers := d.Cfg.ViewWorkers
	if workers <= 0 {
		workers = 4
	}
	p := &Paste{
		db:          d.DB,
		lru:         d.LRU,
		sessions:    d.Sessions,
		resolver:    d.Resolver,
		access:      d.Access,
		hasher:      d.Hasher,
		kmsAdapter:  d.KMS,
		keyCache:    kms.NewKeyCache(d.KMS, d.Cfg.KeyCacheTTL),
		cfg:         d.Cfg,
		viewQueue:   make(chan string, workers*100),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
		now:         time.Now,
	}
	p.startWorkers(workers)
	return p
}

func (p *Paste) startWorkers(n int) {
	for i := 0; i < n; i++ {
		p.viewWorkerWg.Add(1)
		go p.viewWorker()
	}
}

// viewWorker appends one view log per queued read; view counts are derived
// from those logs.
func (p *Paste) viewWorker() {
	defer p.viewWorkerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("viewWorker panicked")
		}
	}()
	for url := range p.viewQueue {
		ctx, cancel := context.WithTimeout(p.shutdownCtx, 5*time.Second)
		if _, err := p.sessions.CreateLog(ctx, domain.LogTypeView, url); err != nil {
			if errors.Is(err, context.Canceled) {
				cancel()
				return
			}
			util.Warn().Err(err).Str("url", url).Msg("failed to record view")
		}
		cancel()
	}
}

func (p *Paste) Shutdown() {
	if !p.shutdown.CompareAndSwap(false, true) {
		return
	}
	close(p.viewQueue)
	done := make(chan struct{})
	go func() {
		p.viewWorkerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("view workers didn't stop in time")
	}
	p.shutdownFn()
	p.opWg.Wait()
	p.keyCache.Stop()
	util.Debug().Msg("paste service shutdown complete")
}

// begin registers an in-flight operation; the returned func must be deferred.
func (p *Paste) begin() (func(), error) {
	if p.shutdown.Load() {
		return nil, ErrShuttingDown
	}
	p.opWg.Add(1)
	return p.opWg.Done, nil
}

func (p *Paste) nowMillis() int64 {
	return p.now().UnixMilli()
}

// load returns the stored paste, hashes included, through the LRU.
func (p *Paste) load(ctx context.Context, url string) (*domain.Paste, error) {
	if cached := p.lru.Get(ctx, url); cached != nil {
		return cached, nil
	}
	ticket := p.lru.Ticket()
	paste, err := p.db.GetPaste(ctx, url)
	if err != nil {
		return nil, err
	}
	if p.testHookAfterRead != nil {
		p.testHookAfterRead(url)
	}
	p.lru.Fill(paste, ticket)
	return paste, nil
}

// loadOrFail maps load errors to a Result: missing pastes are soft failures.
func (p *Paste) loadOrFail(ctx context.Context, url string) (*domain.Paste, *domain.Result) {
	paste, err := p.load(ctx, url)
	if err == nil {
		return paste, nil
	}
	if errors.Is(err, domain.ErrPasteNotFound) {
		return nil, domain.Fail(domain.ReasonPasteNotFound)
	}
	util.Error().Err(err).Str("url", url).Msg("paste lookup failed")
	return nil, domain.Failure(err)
}

func (p *Paste) authorize(ctx context.Context, req access.Request) *domain.Result {
	d := p.access.Authorize(ctx, req)
	if d.Err != nil {
		util.Error().Err(d.Err).Str("op", string(req.Op)).Msg("authorization failed")
		return domain.Failure(d.Err)
	}
	if !d.Allowed {
		return domain.Fail(d.Reason)
	}
	if d.Via == access.ViaAdmin {
		util.Info().Str("op", string(req.Op)).Str("url", req.Paste.CustomURL).Msg("admin override")
	}
	return nil
}

func cookiesOf(c domain.Caller) assoc.Cookies {
	return assoc.Cookies{assoc.SessionCookieName: c.SessionID}
}

// Create stores a new paste. With params.Associate the caller's session is
// pointed at the new paste first and restored if the insert fails, so a
// session never ends up associated with a paste that does not exist.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams, caller domain.Caller) *domain.Result {
	done, err := p.begin()
	if err != nil {
		return domain.Failure(err)
	}
	defer done()

	content, legacyMD := domain.SplitLegacyMetadata(params.Content)
	if reason := p.validateContent(content); reason != "" {
		return domain.Fail(reason)
	}
	md := params.Metadata
	if md == nil {
		md = legacyMD
	}
	md = sanitizeMetadata(md, caller.Identity)

	url := CanonicalURL(params.CustomURL)
	if url == "" {
		url, err = util.GenURL("", 10, func(u string) (bool, error) {
			return p.db.PasteExists(ctx, u)
		})
		if err != nil {
			return domain.Failure(errors.Wrap(err, "gen url"))
		}
	}
	if reason := p.validateURL(url); reason != "" {
		return domain.Fail(reason)
	}

	payload := CreatedPayload{CustomURL: url}
	editPassword := params.EditPassword
	if editPassword == "" {
		if editPassword, err = util.GenEditCode(); err != nil {
			return domain.Failure(err)
		}
		payload.EditPassword = editPassword
	}
	editDigest, err := p.hasher.Hash(ctx, editPassword)
	if err != nil {
		return domain.Failure(errors.Wrap(err, "hash edit password"))
	}

	now := p.nowMillis()
	paste := &domain.Paste{
		CustomURL:    url,
		Content:      content,
		EditPassword: editDigest,
		PubDate:      now,
		EditDate:     now,
		GroupName:    groupOf(url),
		Associated:   caller.Identity,
		Metadata:     md,
	}

	var enc *domain.EncryptionInfo
	if params.ViewPassword != "" {
		sealed, vph, info, err := p.seal(ctx, url, content, params.ViewPassword)
		if err != nil {
			return domain.Failure(err)
		}
		paste.Content = sealed
		paste.ViewPassword = vph
		enc = info
	}

	res := domain.OK(domain.ReasonPasteCreated, payload)
	var rollback func()
	if params.Associate && caller.SessionID != "" {
		prev, hadSession, err := p.resolver.Snapshot(ctx, caller.SessionID)
		if err != nil {
			return domain.Failure(err)
		}
		if hadSession {
			ok, directive := p.resolver.Associate(ctx, cookiesOf(caller), caller.IP, url)
			if ok {
				res.WithCookie(directive)
				rollback = func() { p.rollbackAssociation(ctx, caller.SessionID, prev, res) }
			}
		}
	}

	ticket := p.lru.Ticket()
	if err := p.db.CreatePasteWithEncryption(ctx, paste, enc); err != nil {
		if rollback != nil {
			rollback()
		}
		if errors.Is(err, domain.ErrPasteExists) {
			res.Success, res.Message, res.Payload = false, domain.ReasonURLTaken, nil
			return res
		}
		util.Error().Err(err).Str("url", url).Msg("create paste failed")
		res.Success, res.Message, res.Payload, res.Err = false, domain.ReasonInternal, nil, err
		return res
	}
	p.lru.Fill(paste, ticket)
	metrics.PasteCreated.Inc()
	util.Info().Str("url", url).Bool("private", enc != nil).Msg("paste created")
	return res
}

// rollbackAssociation restores the pre-create session record and replaces
// any cookie directive already placed on res with one matching it.
func (p *Paste) rollbackAssociation(ctx context.Context, sessionID string, prev session.Record, res *domain.Result) {
	if err := p.resolver.Restore(ctx, sessionID, prev); err != nil {
		util.Error().Err(err).Str("session", util.RedactToken(sessionID)).Msg("association rollback failed")
	}
	res.SetCookies = nil
	if prev.IsAssociated() {
		res.WithCookie(assoc.AssociatedCookie(prev.Associated, p.cfg.AssociationMaxAge))
	} else {
		res.WithCookie(assoc.ClearAssociatedCookie())
	}
}

func groupOf(url string) string {
	g, _ := domain.SplitGroup(url)
	return g
}

// Get returns the public view of a paste. Private content is withheld; it is
// only produced by the decryption gate.
func (p *Paste) Get(ctx context.Context, url string) *domain.Result {
	url = CanonicalURL(url)
	paste, fail := p.loadOrFail(ctx, url)
	if fail != nil {
		return fail
	}
	out, err := p.present(ctx, paste)
	if err != nil {
		return domain.Failure(err)
	}
	p.queueView(url)
	return domain.OK("", out)
}

func (p *Paste) queueView(url string) {
	if p.shutdown.Load() {
		return
	}
	defer func() {
		// queue closed by a concurrent Shutdown
		_ = recover()
	}()
	select {
	case p.viewQueue <- url:
	default:
		util.Warn().Str("url", url).Msg("view queue full, dropping view")
	}
}

// present strips secrets and fills derived fields.
func (p *Paste) present(ctx context.Context, paste *domain.Paste) (*domain.Paste, error) {
	out := paste.Reader()
	out.IsPrivate = paste.ViewPassword != ""
	if out.IsPrivate {
		out.Content = ""
	}
	_, out.HostServer = domain.SplitHost(paste.CustomURL)
	out.IsEditable = out.HostServer == "" && !paste.Metadata.IsLocked() && !p.cfg.IsReservedGroup(paste.GroupName)
	views, err := p.sessions.CountLogs(ctx, domain.LogTypeView, paste.CustomURL)
	if err != nil {
		return nil, err
	}
	comments, err := p.db.CountComments(ctx, paste.CustomURL)
	if err != nil {
		return nil, err
	}
	out.Views, out.Comments = views, comments
	return out, nil
}

// Edit replaces a paste's content. The edit password (or admin password) is
// required; the lock flag does not apply to content edits.
func (p *Paste) Edit(ctx context.Context, params domain.EditParams, caller domain.Caller) *domain.Result {
	done, err := p.begin()
	if err != nil {
		return domain.Failure(err)
	}
	defer done()

	url := CanonicalURL(params.CustomURL)
	paste, fail := p.loadOrFail(ctx, url)
	if fail != nil {
		return fail
	}
	if fail := p.authorize(ctx, access.Request{
		Op: access.OpEditContent, Paste: paste, Password: params.EditPassword, Identity: caller.Identity,
	}); fail != nil {
		return fail
	}

	content, _ := domain.SplitLegacyMetadata(params.Content)
	if reason := p.validateContent(content); reason != "" {
		return domain.Fail(reason)
	}

	updated := paste.Clone()
	updated.Content = content
	updated.EditDate = p.nowMillis()
	if params.NewEditPassword != "" {
		if updated.EditPassword, err = p.hasher.Hash(ctx, params.NewEditPassword); err != nil {
			return domain.Failure(err)
		}
	}

	var enc *domain.EncryptionInfo
	if paste.ViewPassword != "" || params.ViewPassword != "" {
		if paste.ViewPassword != "" {
			ok, err := p.hasher.Matches(ctx, params.ViewPassword, paste.ViewPassword)
			if err != nil {
				return domain.Failure(err)
			}
			if !ok {
				return domain.Fail(domain.ReasonInvalidViewPassword)
			}
		}
		sealed, vph, info, err := p.seal(ctx, url, content, params.ViewPassword)
		if err != nil {
			return domain.Failure(err)
		}
		updated.Content, updated.ViewPassword, enc = sealed, vph, info
	}

	if err := p.db.UpdatePasteWithEncryption(ctx, updated, enc); err != nil {
		p.lru.Delete(url)
		if errors.Is(err, domain.ErrPasteNotFound) {
			return domain.Fail(domain.ReasonPasteNotFound)
		}
		return domain.Failure(err)
	}
	p.lru.Delete(url)
	if enc != nil {
		p.keyCache.ForgetPaste(url)
	}
	metrics.PasteEdited.Inc()
	util.Info().Str("url", url).Msg("paste edited")
	return domain.OK(domain.ReasonPasteEdited, CreatedPayload{CustomURL: url})
}

// Delete removes a paste with its comments and encryption record, and clears
// every session associated with it.
func (p *Paste) Delete(ctx context.Context, url, password string, caller domain.Caller) *domain.Result {
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
		Op: access.OpDelete, Paste: paste, Password: password, Identity: caller.Identity,
	}); fail != nil {
		return fail
	}
	if err := p.remove(ctx, paste); err != nil {
		return domain.Failure(err)
	}
	res := domain.OK(domain.ReasonPasteDeleted, nil)
	if strings.EqualFold(caller.Identity, url) {
		res.WithCookie(assoc.ClearAssociatedCookie())
	}
	metrics.PasteDeleted.Inc()
	util.Info().Str("url", url).Msg("paste deleted")
	return res
}

func (p *Paste) remove(ctx context.Context, paste *domain.Paste) error {
	url := paste.CustomURL
	n, err := p.db.DeletePasteCascade(ctx, url)
	if err != nil {
		return err
	}
	if n > 0 {
		util.Debug().Int64("comments", n).Str("url", url).Msg("removed comments")
	}
	p.lru.Delete(url)
	p.keyCache.ForgetPaste(url)
	if _, err := p.resolver.ForgetPaste(ctx, url); err != nil {
		util.Warn().Err(err).Str("url", url).Msg("failed to clear sessions of deleted paste")
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrPasteNotFound)
}
