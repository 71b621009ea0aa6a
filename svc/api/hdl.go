package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"mdbin/cfg"
	"mdbin/pkg/domain"
	"mdbin/svc/assoc"
	"mdbin/svc/svc"
)

type Hdl struct {
	paste    *svc.Paste
	resolver *assoc.Resolver
	cfg      *cfg.Cfg
}

func reqLog(r *http.Request) *zerolog.Logger {
	return hlog.FromRequest(r)
}

// pasteURL reads the wildcard of routes like /api/get/*, which may hold a
// group separator.
func pasteURL(r *http.Request) string {
	return chi.URLParam(r, "*")
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	res := h.paste.Create(r.Context(), domain.CreateParams{
		CustomURL:    req.CustomURL,
		Content:      req.Content,
		EditPassword: req.EditPassword,
		ViewPassword: req.ViewPassword,
		Metadata:     req.Metadata,
		Associate:    req.Associate,
	}, CallerFrom(r.Context()))
	respond(w, r, req, res)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	respond(w, r, nil, h.paste.Get(r.Context(), pasteURL(r)))
}

func (h *Hdl) EditPaste(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	respond(w, r, req, h.paste.Edit(r.Context(), domain.EditParams{
		CustomURL:       req.CustomURL,
		Content:         req.Content,
		EditPassword:    req.EditPassword,
		NewEditPassword: req.NewEditPassword,
		ViewPassword:    req.ViewPassword,
	}, CallerFrom(r.Context())))
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	res := h.paste.Delete(r.Context(), req.CustomURL, req.EditPassword, CallerFrom(r.Context()))
	if !res.Success && res.Err == nil {
		reqLog(r).Warn().Str("url", req.CustomURL).Str("reason", res.Message).Msg("delete refused")
	}
	respond(w, r, req, res)
}

func (h *Hdl) EditMetadata(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	respond(w, r, req, h.paste.EditMetadata(r.Context(), req.CustomURL, req.EditPassword, req.Metadata, CallerFrom(r.Context())))
}

func (h *Hdl) GetSource(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	respond(w, r, req, h.paste.GetSource(r.Context(), req.CustomURL, req.EditPassword, req.ViewPassword, CallerFrom(r.Context())))
}

func (h *Hdl) Decrypt(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	respond(w, r, req, h.paste.Decrypt(r.Context(), req.CustomURL, req.ViewPassword))
}

func (h *Hdl) CreateComment(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	if req.Redirect == "" && req.form {
		req.Redirect = "/p/" + svc.CanonicalURL(req.On)
	}
	respond(w, r, req, h.paste.CreateComment(r.Context(), svc.CommentParams{
		On:           req.On,
		Content:      req.Content,
		EditPassword: req.EditPassword,
		ReplyTo:      req.ReplyTo,
	}, CallerFrom(r.Context())))
}

func (h *Hdl) ListComments(w http.ResponseWriter, r *http.Request) {
	respond(w, r, nil, h.paste.ListComments(r.Context(), pasteURL(r)))
}

func (h *Hdl) DeleteComment(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	respond(w, r, req, h.paste.DeleteComment(r.Context(), req.CustomURL, req.EditPassword, CallerFrom(r.Context())))
}
