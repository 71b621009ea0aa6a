package domain

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func packLegacy(t *testing.T, content string, md *Metadata) string {
	raw, err := json.Marshal(md)
	if err != nil {
		t.Fatal(err)
	}
	return content + LegacyMetadataDelimiter + base64.RawURLEncoding.EncodeToString(raw)
}

func TestSplitLegacyMetadata(t *testing.T) {
	packed := packLegacy(t, "# hello", &Metadata{Owner: "alice", Locked: true})
	content, md := SplitLegacyMetadata(packed)
	if content != "# hello" {
		t.Errorf("content = %q, want %q", content, "# hello")
	}
	if md == nil || md.Owner != "alice" || !md.Locked {
		t.Errorf("metadata not recovered: %+v", md)
	}
}

func TestSplitLegacyMetadataKeepsUserText(t *testing.T) {
	cases := []string{
		"",
		"plain text",
		"talking about _metadata: in prose",
		"_metadata:not-base64!!",
	}
	for _, c := range cases {
		content, md := SplitLegacyMetadata(c)
		if content != c || md != nil {
			t.Errorf("SplitLegacyMetadata(%q) = %q, %+v", c, content, md)
		}
	}
}

func TestPublicStripsSecrets(t *testing.T) {
	p := &Paste{
		CustomURL:    "alice",
		EditPassword: "digest",
		ViewPassword: "view-digest",
		Associated:   "bob",
		Metadata:     &Metadata{Owner: "bob", Comments: &CommentsMeta{Enabled: true}},
	}
	pub := p.Public()
	if pub.EditPassword != "" || pub.ViewPassword != "" || pub.Associated != "" {
		t.Fatalf("public copy leaked secrets: %+v", pub)
	}
	if p.EditPassword != "digest" {
		t.Fatal("Public mutated the original")
	}
	pub.Metadata.Comments.Enabled = false
	if !p.Metadata.Comments.Enabled {
		t.Fatal("Public shares metadata with the original")
	}
	raw, _ := json.Marshal(p)
	var m map[string]interface{}
	json.Unmarshal(raw, &m)
	if _, ok := m["EditPassword"]; ok {
		t.Fatal("EditPassword serialized")
	}
}

func TestReaderHidesOwner(t *testing.T) {
	p := &Paste{CustomURL: "post", EditPassword: "digest", Metadata: &Metadata{Owner: "alice"}}
	r := p.Reader()
	if r.Metadata.Owner != "" || r.EditPassword != "" {
		t.Fatalf("reader copy leaked: %+v %+v", r, r.Metadata)
	}
	if p.Metadata.Owner != "alice" {
		t.Fatal("Reader mutated the original")
	}
	p.Metadata.ShowOwnerOnPaste = true
	if got := p.Reader().Metadata.Owner; got != "alice" {
		t.Errorf("opted-in owner = %q", got)
	}
	if (&Paste{}).Reader().Metadata != nil {
		t.Error("nil metadata materialized")
	}
}

func TestResultMarshal(t *testing.T) {
	raw, err := json.Marshal(Fail(ReasonInvalidPassword))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `[false,"Invalid password"]` {
		t.Errorf("got %s", raw)
	}
	raw, _ = json.Marshal(OK(ReasonPasteCreated, map[string]string{"CustomURL": "a"}))
	if string(raw) != `[true,"Paste created",{"CustomURL":"a"}]` {
		t.Errorf("got %s", raw)
	}
}

func TestSplitHostAndGroup(t *testing.T) {
	local, host := SplitHost("notes:example.org")
	if local != "notes" || host != "example.org" {
		t.Errorf("SplitHost = %q, %q", local, host)
	}
	group, name := SplitGroup("team/notes")
	if group != "team" || name != "notes" {
		t.Errorf("SplitGroup = %q, %q", group, name)
	}
}
