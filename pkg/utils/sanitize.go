package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)
var consecutiveUnderscores = regexp.MustCompile(`_+`)

const maxFilenameLength = 100 // bytes

// SanitizeFilename makes name safe as a single path component. Farsi titles keep their
// letters; truncation never splits a multi-byte rune.
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_ ")

	if len(sanitized) > maxFilenameLength {
		cut := maxFilenameLength
		for cut > 0 && !utf8.RuneStart(sanitized[cut]) {
			cut--
		}
		sanitized = strings.Trim(sanitized[:cut], "_ ")
	}

	if sanitized == "" {
		sanitized = "untitled"
	}
	return sanitized
}

// HostFilename names per-site state files after a host as returned by url.URL.Host.
// The host is lowercased and a leading "www." is dropped so both spellings share state;
// a port survives as a suffix: "WWW.Farsiland.com:8080" -> "farsiland.com_8080".
func HostFilename(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimPrefix(h, "www.")
	return SanitizeFilename(h)
}
