package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"My Movie (2020).mp4", "My_Movie__2020_.mp4"},
		{"clip.webm", "clip.webm"},
		{"no-extension", "no-extension.mp4"},
		{"weird.extension123", "weird.extension123.mp4"},
		{"../../etc/passwd", "_.._etc_passwd.mp4"},
		{"...", "imported-video.mp4"},
		{"", "imported-video.mp4"},
		{"ünïcødé.mkv", "_n_c_d_.mkv"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), tt.in)
	}
}

func TestDeriveName(t *testing.T) {
	tests := []struct {
		name        string
		custom      string
		url         string
		contentType string
		disposition string
		want        string
	}{
		{"custom with extension", "holiday.mov", "https://x/y.mp4", "", "", "holiday.mov"},
		{"custom gets subtype", "holiday", "https://x/y", "video/webm", "", "holiday.webm"},
		{"custom long subtype falls back", "holiday", "https://x/y", "video/quicktime", "", "holiday.mp4"},
		{"custom unknown type", "holiday", "https://x/y", "", "", "holiday.mp4"},
		{"disposition wins over path", "", "https://x/download", "", `attachment; filename="Trip Video.mp4"`, "Trip_Video.mp4"},
		{"path segment", "", "https://cdn.example.com/media/clip%20one.mkv?sig=1", "", "", "clip_one.mkv"},
		{"empty path", "", "https://cdn.example.com/", "", "", "imported-video.mp4"},
		{"bad disposition ignored", "", "https://x/a.mp4", "", "attachment; filename=", "a.mp4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveName(tt.custom, tt.url, tt.contentType, tt.disposition))
		})
	}
}

func TestVideoContentType(t *testing.T) {
	assert.Equal(t, "video/webm", VideoContentType("video/webm"))
	assert.Equal(t, "video/mp4", VideoContentType("video/mp4; codecs=avc1"))
	assert.Equal(t, "video/mp4", VideoContentType("application/octet-stream"))
	assert.Equal(t, "video/mp4", VideoContentType(""))
}

func TestIsVideoFile(t *testing.T) {
	assert.True(t, IsVideoFile("a.MP4"))
	assert.True(t, IsVideoFile("dir/b.mkv"))
	assert.False(t, IsVideoFile("notes.txt"))
	assert.False(t, IsVideoFile("noext"))
}
