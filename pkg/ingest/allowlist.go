package ingest

import (
	"net/url"
	"regexp"
	"strings"
)

// Media file extensions recognized by the allow-list. A candidate URL
// whose path ends in one of these is accepted even when its host is
// untrusted.
var mediaExtRe = regexp.MustCompile(`(?i)\.(mp4|webm|mov|m4v|mpg|mpeg|avi|gif|png|jpg|jpeg|webp)(\?|$)`)

// Still-image extensions used for media type classification. Animated
// formats (gif) deliberately classify as video, matching upstream
// player behavior.
var imageExtRe = regexp.MustCompile(`(?i)\.(png|jpg|jpeg|webp)$`)

// DefaultTrustedHosts are host patterns whose URLs are accepted without
// a recognized media extension.
var DefaultTrustedHosts = []string{
	`videos\.openai\.com`,
	`oscdn\d?\.dyysy\.com`,
}

// Allowlist validates candidate result URLs. A candidate passes when
// its host matches a trusted pattern or its path ends in a recognized
// media extension. Everything else is discarded as noise, not an
// error: streams routinely quote unrelated URLs.
type Allowlist struct {
	hosts *regexp.Regexp
}

// NewAllowlist compiles the given host patterns. Empty patterns fall
// back to DefaultTrustedHosts. Patterns are regular expressions matched
// against the candidate's host, case-insensitively.
func NewAllowlist(hostPatterns []string) (*Allowlist, error) {
	if len(hostPatterns) == 0 {
		hostPatterns = DefaultTrustedHosts
	}
	re, err := regexp.Compile(`(?i)^(` + strings.Join(hostPatterns, "|") + `)$`)
	if err != nil {
		return nil, err
	}
	return &Allowlist{hosts: re}, nil
}

// Allow reports whether candidate passes the allow-list.
func (a *Allowlist) Allow(candidate string) bool {
	if candidate == "" {
		return false
	}
	if mediaExtRe.MatchString(candidate) {
		return true
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	return a.hosts.MatchString(u.Hostname())
}

// ClassifyMediaType returns MediaImage for still-image URLs and
// MediaVideo for everything else.
func ClassifyMediaType(u string) MediaType {
	trimmed := u
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if imageExtRe.MatchString(trimmed) {
		return MediaImage
	}
	return MediaVideo
}
