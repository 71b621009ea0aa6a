package domain

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

const LegacyMetadataDelimiter = "_metadata:"

// SplitLegacyMetadata separates a trailing "_metadata:<base64url json>" suffix
// from content written by older releases. Content is returned untouched when the
// suffix is missing or does not decode, so user text containing the delimiter
// survives.
func SplitLegacyMetadata(content string) (string, *Metadata) {
	i := strings.LastIndex(content, LegacyMetadataDelimiter)
	if i < 0 {
		return content, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(content[i+len(LegacyMetadataDelimiter):])
	if err != nil {
		return content, nil
	}
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return content, nil
	}
	return content[:i], &md
}
