package session

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

var nonAlnumDash = regexp.MustCompile(`[^A-Za-z0-9-]+`)
var dashRun = regexp.MustCompile(`-{2,}`)

const maxSanitizedBasenameLen = 30

// DeriveProjectID computes project_id = sanitize(basename(path))[:30] +
// "-" + hex6(sha256(path)).
func DeriveProjectID(canonicalPath string) string {
	base := sanitize(filepath.Base(canonicalPath))
	if len(base) > maxSanitizedBasenameLen {
		base = base[:maxSanitizedBasenameLen]
	}
	sum := sha256.Sum256([]byte(canonicalPath))
	return base + "-" + hex.EncodeToString(sum[:])[:6]
}

// sanitize replaces path separators with "-", strips everything else that
// isn't alphanumeric or "-", collapses runs of "-", and falls back to
// "root" for an empty result.
func sanitize(name string) string {
	name = strings.ReplaceAll(name, string(filepath.Separator), "-")
	name = nonAlnumDash.ReplaceAllString(name, "-")
	name = dashRun.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		return "root"
	}
	return name
}
