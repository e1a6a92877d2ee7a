package objectstore

import "testing"

func TestContentTypeFor(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"clips/out.mp4", "video/mp4"},
		{"memes/out.GIF", "image/gif"},
		{"frames/thumb.jpeg", "image/jpeg"},
		{"plans/edit.json", "application/json"},
		{"mystery/blob.x9z", "application/octet-stream"},
	}
	for _, tc := range cases {
		if got := ContentTypeFor(tc.path); got != tc.want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestDerivativeKey(t *testing.T) {
	got := DerivativeKey("job-42", "clip.mp4")
	if got != "derivatives/job-42/clip.mp4" {
		t.Errorf("DerivativeKey = %q", got)
	}
}
