package api

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"

	"mdbin/pkg/domain"
	"mdbin/svc/svc"
)

type callerKey struct{}

func withCaller(ctx context.Context, c domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller resolved by the session middleware.
func CallerFrom(ctx context.Context) domain.Caller {
	c, _ := ctx.Value(callerKey{}).(domain.Caller)
	return c
}

// Req is the union of every POST body. JSON clients send it as an object;
// HTML forms send the same names as form fields, with Metadata as a JSON
// string.
type Req struct {
	CustomURL       string           `json:"CustomURL"`
	Content         string           `json:"Content"`
	EditPassword    string           `json:"EditPassword"`
	NewEditPassword string           `json:"NewEditPassword"`
	ViewPassword    string           `json:"ViewPassword"`
	Metadata        *domain.Metadata `json:"Metadata"`
	Associate       bool             `json:"Associate"`

	On      string `json:"On"`
	ReplyTo string `json:"ReplyTo"`

	AdminPassword   string `json:"AdminPassword"`
	Type            string `json:"Type"`
	LogContent      string `json:"LogContent"`
	ContentSuffix   string `json:"ContentSuffix"`
	ContentContains string `json:"ContentContains"`
	Limit           int    `json:"Limit"`
	ID              string `json:"ID"`

	// Redirect is where a form post lands afterwards; local paths only.
	Redirect string `json:"-"`

	form bool
}

func (h *Hdl) decode(w http.ResponseWriter, r *http.Request) (*Req, error) {
	limit := h.cfg.MaxPasteSize*2 + 64*1024
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, domain.ErrUnsupportedMedia
	}
	req := &Req{}
	switch mediaType {
	case "application/json":
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(req); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "decode json")
		}
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(limit); err != nil && err != http.ErrNotMultipart {
			return nil, errors.Wrap(err, "parse form")
		}
		if err := fromForm(req, r.PostForm); err != nil {
			return nil, err
		}
	default:
		return nil, domain.ErrUnsupportedMedia
	}
	req.Content = sanitizeContent(req.Content)
	return req, nil
}

func fromForm(req *Req, f url.Values) error {
	req.form = true
	req.CustomURL = f.Get("CustomURL")
	req.Content = f.Get("Content")
	req.EditPassword = f.Get("EditPassword")
	req.NewEditPassword = f.Get("NewEditPassword")
	req.ViewPassword = f.Get("ViewPassword")
	req.Associate = truthy(f.Get("Associate"))
	req.On = f.Get("On")
	req.ReplyTo = f.Get("ReplyTo")
	req.AdminPassword = f.Get("AdminPassword")
	req.Type = f.Get("Type")
	req.LogContent = f.Get("LogContent")
	req.ContentSuffix = f.Get("ContentSuffix")
	req.ContentContains = f.Get("ContentContains")
	req.ID = f.Get("ID")
	req.Redirect = f.Get("Redirect")
	if v := f.Get("Limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "limit")
		}
		req.Limit = n
	}
	if v := f.Get("Metadata"); v != "" {
		req.Metadata = &domain.Metadata{}
		if err := json.Unmarshal([]byte(v), req.Metadata); err != nil {
			return errors.Wrap(err, "metadata")
		}
	}
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "on", "true", "yes":
		return true
	}
	return false
}

// sanitizeContent normalises to NFC and strips control characters other than
// line breaks and tabs. Markdown is stored as written otherwise.
func sanitizeContent(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = norm.NFC.String(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// respond writes res as a JSON tuple, or as a 302 for form posts. Cookie
// directives gathered by the operation are forwarded either way.
func respond(w http.ResponseWriter, r *http.Request, req *Req, res *domain.Result) {
	for _, c := range res.SetCookies {
		w.Header().Add("Set-Cookie", c)
	}
	if res.Err != nil {
		reqLog(r).Error().Err(res.Err).Msg("operation failed")
	}
	if req != nil && req.form {
		http.Redirect(w, r, redirectTarget(req, res), http.StatusFound)
		return
	}
	writeJSON(w, statusOf(res), res)
}

func statusOf(res *domain.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Err != nil:
		return http.StatusInternalServerError
	case res.Message == domain.ReasonPasteNotFound:
		return http.StatusNotFound
	case res.Message == domain.ReasonURLTaken:
		return http.StatusConflict
	case res.Message == domain.ReasonInvalidPassword,
		res.Message == domain.ReasonInvalidViewPassword,
		res.Message == domain.ReasonNotOwner:
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

func redirectTarget(req *Req, res *domain.Result) string {
	target := "/"
	if isLocalPath(req.Redirect) {
		target = req.Redirect
	} else if res.Success {
		if p, ok := res.Payload.(svc.CreatedPayload); ok {
			target = "/p/" + p.CustomURL
		} else if req.CustomURL != "" {
			target = "/p/" + svc.CanonicalURL(req.CustomURL)
		}
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + "msg=" + url.QueryEscape(res.Message)
}

func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// badRequest answers a body that could not be decoded.
func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	reqLog(r).Warn().Err(err).Msg("invalid request")
	e := domain.ErrInvalidRequest
	var mbe *http.MaxBytesError
	switch {
	case errors.Is(err, domain.ErrUnsupportedMedia):
		e = domain.ErrUnsupportedMedia
	case errors.As(err, &mbe):
		e = domain.ErrPasteTooLarge
	}
	writeJSON(w, e.Status, domain.Fail(e.Msg))
}
