package upload

import (
	"bytes"
	"path/filepath"
	"strings"
)

// allowedMIMEs is the upload content-type allowlist.
var allowedMIMEs = map[string]bool{
	"image/jpeg":       true,
	"image/png":        true,
	"image/gif":        true,
	"image/webp":       true,
	"application/pdf":  true,
	"text/plain":       true,
	"text/csv":         true,
	"text/markdown":    true,
	"application/json": true,
	"application/zip":  true,
	"application/gzip": true,
}

// blockedExtensions rejects executables, scripts, and libraries, both as
// the final extension and as any intermediate extension ("a.exe.jpg").
var blockedExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".scr": true,
	".msi": true, ".dll": true, ".so": true, ".dylib": true,
	".sh": true, ".bash": true, ".ps1": true,
	".php": true, ".py": true, ".rb": true, ".pl": true, ".js": true,
	".jar": true, ".app": true, ".deb": true, ".rpm": true, ".vbs": true,
}

// sanitizeFilename reduces a claimed filename to its basename and checks
// it against the blocked-extension rules. Returns the clean name.
func sanitizeFilename(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." {
		return "", ErrInvalidFilename
	}
	if len(base) > maxFilenameLen {
		return "", ErrFilenameTooLong
	}

	// Every dotted segment after the first is an extension candidate, so
	// "report.exe.jpg" trips on the intermediate ".exe".
	parts := strings.Split(strings.ToLower(base), ".")
	for _, ext := range parts[1:] {
		if blockedExtensions["."+ext] {
			return "", ErrBlockedExtension
		}
	}
	return base, nil
}

type magicRule struct {
	offset int
	bytes  []byte
}

// magicTables maps a MIME type to the signatures its first chunk must
// open with. A MIME absent from the table (text-like types) is not
// content-checked.
var magicTables = map[string][]magicRule{
	"image/jpeg": {{0, []byte{0xFF, 0xD8, 0xFF}}},
	"image/png":  {{0, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}}},
	"image/gif": {
		{0, []byte("GIF87a")},
		{0, []byte("GIF89a")},
	},
	"image/webp":      {{0, []byte("RIFF")}}, // plus "WEBP" at offset 8, checked below
	"application/pdf": {{0, []byte("%PDF")}},
	"application/zip": {
		{0, []byte{0x50, 0x4B, 0x03, 0x04}},
		{0, []byte{0x50, 0x4B, 0x05, 0x06}},
		{0, []byte{0x50, 0x4B, 0x07, 0x08}},
	},
	"application/gzip": {{0, []byte{0x1F, 0x8B}}},
}

// matchesMagic reports whether head is consistent with the claimed MIME.
// Types without a magic table pass.
func matchesMagic(mime string, head []byte) bool {
	rules, ok := magicTables[mime]
	if !ok {
		return true
	}
	for _, r := range rules {
		if len(head) >= r.offset+len(r.bytes) && bytes.Equal(head[r.offset:r.offset+len(r.bytes)], r.bytes) {
			if mime == "image/webp" {
				return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
			}
			return true
		}
	}
	return false
}
