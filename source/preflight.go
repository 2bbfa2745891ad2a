package source

import (
	"context"
	"net/http"
)

// Probe is what a HEAD request revealed about a source.
type Probe struct {
	Size        int64
	ContentType string
	Disposition string
	FinalURL    string
}

// Preflight issues a HEAD request to rawURL. Failures are not errors: the
// zero Probe (with FinalURL set to rawURL) is returned and the transfer
// proceeds with an unknown length.
func Preflight(ctx context.Context, client *http.Client, rawURL string, cred Credential) Probe {
	probe := Probe{FinalURL: rawURL}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cred.AuthorizedURL(rawURL), nil)
	if err != nil {
		return probe
	}
	cred.Apply(req)

	resp, err := client.Do(req)
	if err != nil {
		return probe
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return probe
	}

	if resp.ContentLength > 0 {
		probe.Size = resp.ContentLength
	}
	probe.ContentType = resp.Header.Get("Content-Type")
	probe.Disposition = resp.Header.Get("Content-Disposition")
	// only follow redirects for plain URLs; credentialed ones are rewritten per request
	if cred.IsZero() && resp.Request != nil && resp.Request.URL != nil {
		probe.FinalURL = resp.Request.URL.String()
	}
	return probe
}
