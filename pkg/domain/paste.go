package domain

import (
	"strings"
)

// Paste is the stored document addressed by CustomURL. Content and Metadata are
// kept apart; they are only packed together for the legacy wire form.
type Paste struct {
	CustomURL    string    `json:"CustomURL"`
	Content      string    `json:"Content"`
	EditPassword string    `json:"-"`
	ViewPassword string    `json:"-"`
	PubDate      int64     `json:"PubDate"`
	EditDate     int64     `json:"EditDate"`
	GroupName    string    `json:"GroupName,omitempty"`
	Associated   string    `json:"-"`
	Metadata     *Metadata `json:"Metadata,omitempty"`

	Views      int    `json:"Views"`
	Comments   int    `json:"Comments"`
	HostServer string `json:"HostServer,omitempty"`
	IsEditable bool   `json:"IsEditable"`
	IsPrivate  bool   `json:"IsPrivate"`
}

// Metadata is the optional structured record attached to a paste.
type Metadata struct {
	Owner            string        `json:"Owner,omitempty"`
	Locked           bool          `json:"Locked,omitempty"`
	PrivateSource    bool          `json:"PrivateSource,omitempty"`
	ShowOwnerOnPaste bool          `json:"ShowOwnerOnPaste,omitempty"`
	Title            string        `json:"Title,omitempty"`
	Description      string        `json:"Description,omitempty"`
	Comments         *CommentsMeta `json:"Comments,omitempty"`
}

type CommentsMeta struct {
	Enabled         bool   `json:"Enabled"`
	IsCommentOn     string `json:"IsCommentOn,omitempty"`
	ParentCommentOn string `json:"ParentCommentOn,omitempty"`
}

func (m *Metadata) IsLocked() bool {
	return m != nil && m.Locked
}

func (m *Metadata) OwnerName() string {
	if m == nil {
		return ""
	}
	return m.Owner
}

func (m *Metadata) HasPrivateSource() bool {
	return m != nil && m.PrivateSource
}

// CommentsEnabled defaults to true when no comment configuration exists.
func (m *Metadata) CommentsEnabled() bool {
	if m == nil || m.Comments == nil {
		return true
	}
	if m.Comments.IsCommentOn != "" {
		return true
	}
	return m.Comments.Enabled
}

func (p *Paste) IsComment() bool {
	return p.Metadata != nil && p.Metadata.Comments != nil && p.Metadata.Comments.IsCommentOn != ""
}

func (p *Paste) CommentOn() string {
	if !p.IsComment() {
		return ""
	}
	return p.Metadata.Comments.IsCommentOn
}

func (p *Paste) ParentComment() string {
	if !p.IsComment() {
		return ""
	}
	return p.Metadata.Comments.ParentCommentOn
}

// Public returns a copy safe to serialize: both password hashes and the
// association pointer are cleared.
func (p *Paste) Public() *Paste {
	cp := p.Clone()
	cp.EditPassword = ""
	cp.ViewPassword = ""
	cp.Associated = ""
	return cp
}

// Reader is Public with the owner also hidden unless the paste opts in
// through ShowOwnerOnPaste. Everything returned to a reader goes through it.
func (p *Paste) Reader() *Paste {
	cp := p.Public()
	if cp.Metadata != nil && !cp.Metadata.ShowOwnerOnPaste {
		cp.Metadata.Owner = ""
	}
	return cp
}

func (p *Paste) Clone() *Paste {
	cp := *p
	if p.Metadata != nil {
		md := *p.Metadata
		if p.Metadata.Comments != nil {
			cm := *p.Metadata.Comments
			md.Comments = &cm
		}
		cp.Metadata = &md
	}
	return &cp
}

// SplitHost separates a federated ":hostserver" suffix from a custom URL.
func SplitHost(customURL string) (local, host string) {
	if i := strings.LastIndexByte(customURL, ':'); i >= 0 {
		return customURL[:i], customURL[i+1:]
	}
	return customURL, ""
}

// SplitGroup returns the group prefix of "group/name", if any.
func SplitGroup(customURL string) (group, name string) {
	if i := strings.IndexByte(customURL, '/'); i >= 0 {
		return customURL[:i], customURL[i+1:]
	}
	return "", customURL
}

type CreateParams struct {
	CustomURL    string
	Content      string
	EditPassword string
	ViewPassword string
	Metadata     *Metadata
	// Associate binds the caller's session to the new paste.
	Associate bool
}

type EditParams struct {
	CustomURL       string
	Content         string
	EditPassword    string
	NewEditPassword string
	ViewPassword    string
}

// Caller is the request-scoped identity handed to the paste service.
type Caller struct {
	SessionID string
	Identity  string
	UserAgent string
	IP        string
}
