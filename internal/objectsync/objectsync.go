// Package objectsync mirrors a local directory tree into an object
// store bucket. Unchanged objects are skipped so a re-run after a
// partial failure only uploads what is missing.
package objectsync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/caravel-labs/caravel-go/internal/executor"
)

type Syncer struct {
	mc *minio.Client
}

func New(mc *minio.Client) *Syncer {
	return &Syncer{mc: mc}
}

// SyncTree uploads files under localDir to bucket under prefix. Objects
// whose size and content already match are skipped. With deleteStale,
// objects under prefix with no local counterpart are removed.
func (s *Syncer) SyncTree(ctx context.Context, localDir, bucket, prefix string, deleteStale bool) (executor.SyncStats, error) {
	var stats executor.SyncStats

	remote, err := s.listRemote(ctx, bucket, prefix)
	if err != nil {
		return stats, err
	}

	local := make(map[string]string) // object key -> local path
	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		local[objectKey(prefix, rel)] = p
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walk %s: %w", localDir, err)
	}

	for key, localPath := range local {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		info, exists := remote[key]
		if exists {
			same, err := matchesLocal(localPath, info)
			if err != nil {
				return stats, err
			}
			if same {
				stats.Skipped++
				continue
			}
		}
		opts := minio.PutObjectOptions{
			ContentType: mime.TypeByExtension(filepath.Ext(localPath)),
		}
		if _, err := s.mc.FPutObject(ctx, bucket, key, localPath, opts); err != nil {
			return stats, fmt.Errorf("upload %s: %w", key, err)
		}
		stats.Copied++
	}

	if deleteStale {
		for key := range remote {
			if _, ok := local[key]; ok {
				continue
			}
			if err := s.mc.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
				return stats, fmt.Errorf("remove stale %s: %w", key, err)
			}
			stats.Deleted++
		}
	}
	return stats, nil
}

func (s *Syncer) listRemote(ctx context.Context, bucket, prefix string) (map[string]minio.ObjectInfo, error) {
	listPrefix := prefix
	if listPrefix != "" && !strings.HasSuffix(listPrefix, "/") {
		listPrefix += "/"
	}
	remote := make(map[string]minio.ObjectInfo)
	for obj := range s.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    listPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, listPrefix, obj.Err)
		}
		remote[obj.Key] = obj
	}
	return remote, nil
}

func objectKey(prefix, rel string) string {
	return path.Join(prefix, filepath.ToSlash(rel))
}

// matchesLocal reports whether the remote object already holds the
// local file's content. Multipart uploads carry a composite etag that
// is not an md5, so those fall back to a size comparison.
func matchesLocal(localPath string, info minio.ObjectInfo) (bool, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", localPath, err)
	}
	if fi.Size() != info.Size {
		return false, nil
	}
	etag := strings.Trim(info.ETag, `"`)
	if strings.Contains(etag, "-") {
		return true, nil
	}
	sum, err := fileMD5(localPath)
	if err != nil {
		return false, err
	}
	return sum == etag, nil
}

func fileMD5(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
