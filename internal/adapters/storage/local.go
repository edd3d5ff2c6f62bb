// Package storage implements the media store on a gocloud blob bucket
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

var _ ports.MediaStore = (*LocalMediaStore)(nil)

// ErrInvalidKey rejects keys that would escape the media root
var ErrInvalidKey = errors.New("invalid media key")

// LocalMediaStore keeps media objects in a fileblob bucket under a root
// directory and serves them from PublicBaseURL (the /media file server)
type LocalMediaStore struct {
	bucket  *blob.Bucket
	root    string
	baseURL string
}

// NewLocalMediaStore opens the bucket, creating the root directory if needed
func NewLocalMediaStore(root, publicBaseURL string) (*LocalMediaStore, error) {
	bucket, err := fileblob.OpenBucket(root, &fileblob.Options{
		CreateDir: true,
		NoTempDir: true,
		// The root is served as-is, so no .attrs sidecars
		Metadata: fileblob.MetadataDontWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("open media bucket: %w", err)
	}
	return &LocalMediaStore{
		bucket:  bucket,
		root:    root,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Root returns the directory objects are stored in
func (s *LocalMediaStore) Root() string {
	return s.root
}

// Close releases the bucket
func (s *LocalMediaStore) Close() error {
	return s.bucket.Close()
}

func validKey(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return strings.TrimPrefix(clean, "/"), nil
}

// Put writes the object; the bucket only publishes it once the writer closes cleanly
func (s *LocalMediaStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	k, err := validKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write media %s: %w", key, err)
	}

	// Cancelling the writer context discards a partial object
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, k, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("open media %s: %w", key, err)
	}

	n, err := io.Copy(w, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("write media %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("store media %s: %w", key, err)
	}

	slog.Debug("Media stored",
		"key", k,
		"bytes", n,
		"content_type", contentType,
	)
	return nil
}

// Copy duplicates an existing object under a new key
func (s *LocalMediaStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	src, err := validKey(srcKey)
	if err != nil {
		return err
	}
	dst, err := validKey(dstKey)
	if err != nil {
		return err
	}

	if err := s.bucket.Copy(ctx, dst, src, nil); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fmt.Errorf("copy media %s: %w", srcKey, domain.ErrNotFound)
		}
		return fmt.Errorf("copy media %s: %w", srcKey, err)
	}
	return nil
}

// URL returns the public address of a stored object
func (s *LocalMediaStore) URL(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.baseURL + "/" + strings.Join(parts, "/")
}

// ctxReader stops a copy once the context is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
