package objectsync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestObjectKey(t *testing.T) {
	cases := []struct {
		prefix string
		rel    string
		want   string
	}{
		{"assets", "css/site.css", "assets/css/site.css"},
		{"", "index.html", "index.html"},
		{"assets/v2", filepath.Join("img", "logo.png"), "assets/v2/img/logo.png"},
	}
	for _, tc := range cases {
		if got := objectKey(tc.prefix, tc.rel); got != tc.want {
			t.Errorf("objectKey(%q, %q) = %q, want %q", tc.prefix, tc.rel, got, tc.want)
		}
	}
}

func TestMatchesLocal(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "site.css")
	content := []byte("body { margin: 0 }\n")
	if err := os.WriteFile(p, content, 0o644); err != nil {
		t.Fatal(err)
	}
	// md5("body { margin: 0 }\n")
	const sum = "e60183a3a01af2219b4facf0e2d1b5bc"

	cases := []struct {
		name string
		info minio.ObjectInfo
		want bool
	}{
		{"same content", minio.ObjectInfo{Size: int64(len(content)), ETag: `"` + sum + `"`}, true},
		{"different size", minio.ObjectInfo{Size: 3, ETag: `"` + sum + `"`}, false},
		{"different etag", minio.ObjectInfo{Size: int64(len(content)), ETag: `"deadbeefdeadbeefdeadbeefdeadbeef"`}, false},
		{"multipart etag same size", minio.ObjectInfo{Size: int64(len(content)), ETag: `"abc123-4"`}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := matchesLocal(p, tc.info)
			if err != nil {
				t.Fatalf("matchesLocal: %v", err)
			}
			if got != tc.want {
				t.Errorf("matchesLocal = %v, want %v", got, tc.want)
			}
		})
	}
}
