package source

import (
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// DefaultFileName is used when nothing better can be derived.
const DefaultFileName = "imported-video.mp4"

const defaultVideoType = "video/mp4"

var (
	unsafeChars  = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	hasExtension = regexp.MustCompile(`\.\w{2,5}$`)
)

// Sanitize maps name onto [A-Za-z0-9._-] and forces a video extension when
// none is recognised.
func Sanitize(name string) string {
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return DefaultFileName
	}
	if !hasExtension.MatchString(name) {
		name += ".mp4"
	}
	return name
}

// DeriveName picks the destination object name: the caller's name first,
// then the Content-Disposition filename, then the last URL path segment.
func DeriveName(custom, rawURL, contentType, disposition string) string {
	if custom = strings.TrimSpace(custom); custom != "" {
		if !strings.Contains(custom, ".") {
			custom += "." + extensionFor(contentType)
		}
		return Sanitize(custom)
	}

	if name := dispositionFilename(disposition); name != "" {
		return Sanitize(name)
	}

	if u, err := url.Parse(rawURL); err == nil {
		if seg := path.Base(u.Path); seg != "" && seg != "/" && seg != "." {
			if unescaped, err := url.PathUnescape(seg); err == nil {
				seg = unescaped
			}
			return Sanitize(seg)
		}
	}

	return DefaultFileName
}

// extensionFor returns the subtype of a video content type when it is a
// plausible extension, else mp4.
func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "mp4"
	}
	_, sub, ok := strings.Cut(mediaType, "/")
	if !ok || sub == "" || len(sub) > 5 || unsafeChars.MatchString(sub) {
		return "mp4"
	}
	return sub
}

func dispositionFilename(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	return path.Base(strings.ReplaceAll(name, `\`, "/"))
}

// VideoContentType keeps video/* content types and replaces anything else
// with video/mp4.
func VideoContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "video/") {
		return defaultVideoType
	}
	return mediaType
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".ts":   "video/mp2t",
	".3gp":  "video/3gpp",
	".ogv":  "video/ogg",
}

// IsVideoFile reports whether name carries a known video extension.
func IsVideoFile(name string) bool {
	_, ok := videoTypes[strings.ToLower(path.Ext(name))]
	return ok
}

// ContentTypeForName guesses a video content type from a file name.
func ContentTypeForName(name string) string {
	if ct, ok := videoTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return VideoContentType(mime.TypeByExtension(path.Ext(name)))
}
