package source

import (
	"net/http"
	"net/url"
)

// Credential is caller-held session or auth material forwarded to a
// credentialed source. It is never persisted.
type Credential struct {
	Cookies     string `json:"cookies,omitempty"`
	BearerToken string `json:"accessToken,omitempty"`
}

// IsZero reports whether no credential was supplied.
func (c Credential) IsZero() bool {
	return c.Cookies == "" && c.BearerToken == ""
}

// Apply sets the credential headers on req.
func (c Credential) Apply(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.Cookies != "" {
		req.Header.Set("Cookie", c.Cookies)
	}
}

// AuthorizedURL returns the URL to fetch with c. Drive files fetched with a
// bearer token go through the Drive files API instead of the download page.
func (c Credential) AuthorizedURL(rawURL string) string {
	if c.BearerToken == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || !hostMatches(u.Hostname(), "drive.google.com") {
		return rawURL
	}
	id := DriveFileID(rawURL)
	if id == "" {
		return rawURL
	}
	return "https://www.googleapis.com/drive/v3/files/" + url.PathEscape(id) + "?alt=media"
}
