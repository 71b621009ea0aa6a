package api

import (
	"net/http"

	"mdbin/pkg/domain"
)

func (h *Hdl) QueryLogs(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	res := h.paste.QueryLogs(r.Context(), req.AdminPassword, domain.LogQuery{
		Type:            req.Type,
		Content:         req.LogContent,
		ContentSuffix:   req.ContentSuffix,
		ContentContains: req.ContentContains,
		Limit:           req.Limit,
	})
	if !res.Success && res.Err == nil {
		reqLog(r).Warn().Msg("admin log query refused")
	}
	respond(w, r, req, res)
}

func (h *Hdl) DeleteLog(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	respond(w, r, req, h.paste.DeleteLog(r.Context(), req.AdminPassword, req.ID))
}
