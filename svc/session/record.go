package session

import "strings"

const (
	ipTag   = ";_ip;"
	withTag = ";_with;"
)

// Record is the structured form of a session log's content:
// "<ua>[;_ip;<ip>][;_with;<customURL>]".
type Record struct {
	UserAgent  string
	IP         string
	Associated string
}

// Parse decodes log content. Tags are matched from the right so a user agent
// can never shadow the real association.
func Parse(content string) Record {
	var r Record
	rest := content
	if i := strings.LastIndex(rest, withTag); i >= 0 {
		r.Associated = rest[i+len(withTag):]
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, ipTag); i >= 0 {
		r.IP = rest[i+len(ipTag):]
		rest = rest[:i]
	}
	r.UserAgent = rest
	return r
}

func (r Record) String() string {
	var b strings.Builder
	b.WriteString(sanitizeUA(r.UserAgent))
	if r.IP != "" {
		b.WriteString(ipTag)
		b.WriteString(r.IP)
	}
	if r.Associated != "" {
		b.WriteString(withTag)
		b.WriteString(r.Associated)
	}
	return b.String()
}

func (r Record) IsAssociated() bool {
	return r.Associated != ""
}

// sanitizeUA strips tag openers from a user agent so it cannot forge fields.
func sanitizeUA(ua string) string {
	for strings.Contains(ua, ";_") {
		ua = strings.ReplaceAll(ua, ";_", ";")
	}
	return ua
}
