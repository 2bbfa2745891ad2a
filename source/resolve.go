// Package source turns user-supplied URLs into fetchable transfer sources:
// share-link rewriting, credential classification, filename derivation and
// the byte-source variants the engine reads from.
package source

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ErrInvalidURL is returned for URLs that cannot be parsed.
	ErrInvalidURL = errors.New("invalid source url")

	// ErrUnsupportedScheme is returned for anything but http and https.
	ErrUnsupportedScheme = errors.New("only http and https sources are supported")
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	DirectURL string
	// ServiceLabel names the recognised provider; empty for unknown URLs.
	ServiceLabel       string
	RequiresCredential bool
}

// credentialDomains gate content behind session cookies or OAuth tokens a
// server cannot obtain on its own. Subdomains match too.
var credentialDomains = []string{
	"googleusercontent.com",
	"googlevideo.com",
	"youtube.com",
	"drive.google.com",
	"docs.google.com",
}

var driveFilePath = regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)
var driveID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Resolve rewrites known share links into directly fetchable URLs and
// classifies whether fetching needs caller-held credentials.
func Resolve(raw string) (Resolution, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return Resolution{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	direct, label := rewrite(u)
	return Resolution{
		DirectURL:          direct,
		ServiceLabel:       label,
		RequiresCredential: RequiresCredential(direct),
	}, nil
}

// RequiresCredential reports whether rawURL's host is on the credential
// deny-list.
func RequiresCredential(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range credentialDomains {
		if hostMatches(host, d) {
			return true
		}
	}
	return false
}

func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func rewrite(u *url.URL) (string, string) {
	host := strings.ToLower(u.Hostname())

	switch {
	case hostMatches(host, "drive.google.com"):
		if id := DriveFileID(u.String()); id != "" {
			return "https://drive.google.com/uc?export=download&id=" + id + "&confirm=t", "Google Drive"
		}
		return u.String(), "Google Drive"

	case hostMatches(host, "1drv.ms"):
		c := *u
		c.RawQuery = "download=1"
		c.Fragment = ""
		return c.String(), "OneDrive"

	case hostMatches(host, "onedrive.live.com"), hostMatches(host, "sharepoint.com"):
		return withQuery(u, "download", "1"), "OneDrive"

	case hostMatches(host, "dropbox.com"):
		return withQuery(u, "dl", "1"), "Dropbox"

	case hostMatches(host, "mega.nz"), hostMatches(host, "mega.co.nz"):
		return u.String(), "Mega"

	case hostMatches(host, "mediafire.com") && strings.HasPrefix(u.Path, "/file/"):
		return u.String(), "MediaFire"

	case hostMatches(host, "pcloud.com"), hostMatches(host, "pcloud.link"):
		return withQuery(u, "forcedownload", "1"), "pCloud"

	case host == "github.com" || host == "www.github.com":
		c := *u
		c.Host = "raw.githubusercontent.com"
		c.Path = strings.Replace(u.Path, "/blob/", "/", 1)
		c.RawPath = ""
		return c.String(), "GitHub"

	case hostMatches(host, "box.com") && strings.HasPrefix(u.Path, "/s/"):
		c := *u
		c.Path = "/shared/static/" + strings.TrimPrefix(u.Path, "/s/")
		c.RawPath = ""
		return c.String(), "Box"
	}

	return u.String(), ""
}

// withQuery sets key=value, replacing any existing value.
func withQuery(u *url.URL, key, value string) string {
	c := *u
	q := c.Query()
	q.Set(key, value)
	c.RawQuery = q.Encode()
	return c.String()
}

// DriveFileID extracts a Google Drive file id from a share or download URL.
func DriveFileID(rawURL string) string {
	if m := driveFilePath.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if id := u.Query().Get("id"); driveID.MatchString(id) {
		return id
	}
	return ""
}
