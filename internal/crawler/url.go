package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicate frontier records.
// It lowercases the scheme and host, removes default ports and fragments,
// sorts query parameters and trims a trailing slash from the path.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	return u.String(), nil
}

// Host returns the lowercase hostname of rawURL or "" when it cannot be parsed.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// HasExcludedPrefix reports whether rawURL starts with any non-empty prefix.
func HasExcludedPrefix(rawURL string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	return false
}

// Kind separates rendered web pages from downloadable documents.
type Kind string

// URL kinds returned by Classify.
const (
	KindWebpage  Kind = "webpage"
	KindDocument Kind = "document"
)

var documentPathSegments = []string{"/download/", "/downloads/", "/files/", "/attachments/"}

var documentExtensions = map[string]struct{}{
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".csv": {},
	".ppt": {}, ".pptx": {}, ".txt": {}, ".rtf": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {}, ".svg": {}, ".webp": {},
	".mp4": {}, ".avi": {}, ".mov": {}, ".wmv": {}, ".flv": {}, ".webm": {},
	".mp3": {}, ".wav": {}, ".flac": {}, ".aac": {}, ".ogg": {},
	".zip": {}, ".rar": {}, ".7z": {}, ".tar": {}, ".gz": {}, ".bz2": {},
}

// Classify decides whether a URL is monitored for content or only for
// availability. Download-style paths and document, media and archive
// extensions are documents.
func Classify(rawURL string) Kind {
	lower := strings.ToLower(rawURL)
	u, err := url.Parse(lower)
	if err != nil {
		return KindWebpage
	}
	p := u.Path
	for _, segment := range documentPathSegments {
		if strings.Contains(p+"/", segment) {
			return KindDocument
		}
	}
	if strings.HasSuffix(p, "/pdf") || strings.HasSuffix(p, "/doc") || strings.HasSuffix(p, "/docx") {
		return KindDocument
	}
	if _, ok := documentExtensions[path.Ext(p)]; ok {
		return KindDocument
	}
	return KindWebpage
}
