package api

import (
	"net/http"

	"mdbin/pkg/domain"
)

// WhoAmIPayload reports the association resolved for this request.
type WhoAmIPayload struct {
	Associated bool   `json:"Associated"`
	CustomURL  string `json:"CustomURL,omitempty"`
}

func (h *Hdl) WhoAmI(w http.ResponseWriter, r *http.Request) {
	c := CallerFrom(r.Context())
	respond(w, r, nil, domain.OK("", WhoAmIPayload{Associated: c.Identity != "", CustomURL: c.Identity}))
}

// PageView stands in for the rendered paste page. It is where browsers are
// handed a session cookie when they have none.
func (h *Hdl) PageView(w http.ResponseWriter, r *http.Request) {
	caller := CallerFrom(r.Context())
	if caller.SessionID == "" {
		if directive, ok := h.resolver.IssueSession(r.Context(), caller.UserAgent, caller.IP); ok {
			w.Header().Add("Set-Cookie", directive)
		}
	}
	res := h.paste.Get(r.Context(), pasteURL(r))
	if msg := r.URL.Query().Get("msg"); msg != "" && res.Success {
		res.Message = msg
	}
	respond(w, r, nil, res)
}

func (h *Hdl) Associate(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	respond(w, r, req, h.paste.Login(r.Context(), req.CustomURL, req.EditPassword, CallerFrom(r.Context())))
}

func (h *Hdl) Disassociate(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	respond(w, r, req, h.paste.Logout(r.Context(), CallerFrom(r.Context())))
}

func (h *Hdl) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	respond(w, r, req, h.paste.RevokeSessions(r.Context(), req.CustomURL, req.EditPassword, CallerFrom(r.Context())))
}
