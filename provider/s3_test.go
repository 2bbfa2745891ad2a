package provider

import (
	"encoding/json"
	"testing"
)

func TestS3Store_BuildKey(t *testing.T) {
	tests := []struct {
		prefix string
		path   string
		expect string
	}{
		{"", "test.mp4", "test.mp4"},
		{"", "/test.mp4", "test.mp4"},
		{"videos", "test.mp4", "videos/test.mp4"},
		{"videos/", "test.mp4", "videos/test.mp4"},
		{"videos", "/test.mp4", "videos/test.mp4"},
		{"my/deep/prefix/", "/some/path.mp4", "my/deep/prefix/some/path.mp4"},
		{"", "", ""},
		{"videos", "", "videos"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+"+"+tt.path, func(t *testing.T) {
			s := &S3Store{prefix: tt.prefix}
			actual := s.buildKey(tt.path)
			if actual != tt.expect {
				t.Errorf("buildKey(%q, %q) = %q; want %q", tt.prefix, tt.path, actual, tt.expect)
			}
		})
	}
}

func TestS3Store_StagingPrefix(t *testing.T) {
	s := &S3Store{prefix: "videos"}
	if got := s.stagingPrefix("movie.mp4"); got != "videos/.staging/movie.mp4/" {
		t.Errorf("stagingPrefix = %q", got)
	}
}

func TestCopySource(t *testing.T) {
	got := copySource("bucket", ".staging/my movie.mp4/blk0000000001")
	want := "bucket/.staging/my%20movie.mp4/blk0000000001"
	if got != want {
		t.Errorf("copySource = %q; want %q", got, want)
	}
}

func TestPublicReadPolicy(t *testing.T) {
	raw, err := publicReadPolicy("videos", "/library/")
	if err != nil {
		t.Fatalf("publicReadPolicy failed: %v", err)
	}

	var p bucketPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("policy is not valid JSON: %v", err)
	}
	if len(p.Statement) != 1 {
		t.Fatalf("Expected one statement, got %d", len(p.Statement))
	}
	st := p.Statement[0]
	if st.Resource[0] != "arn:aws:s3:::videos/library/*" {
		t.Errorf("Unexpected resource %q", st.Resource[0])
	}
	if st.Action[0] != "s3:GetObject" || st.Principal != "*" {
		t.Errorf("Unexpected statement %+v", st)
	}
}
