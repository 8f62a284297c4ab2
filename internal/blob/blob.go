// Package blob stores uploaded loop content: screenshots, raw uploads,
// rasterized PDF pages and comment attachments.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"loops/api/internal/logging"
	"loops/api/internal/retry"
)

var ErrUploadFailed = errors.New("upload failed")

// Storage is the content-addressed-by-path object store.
type Storage interface {
	Put(ctx context.Context, objectPath string, body io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, objectPath string) error
}

// Object is one file handed to the uploader.
type Object struct {
	Path        string
	ContentType string
	Data        []byte
}

// Uploader wraps a Storage with a fixed retry budget for uploads and
// best-effort removal.
type Uploader struct {
	storage  Storage
	log      *zap.Logger
	attempts int
	newRetry func() retry.Retryer
}

type UploaderOption func(*Uploader)

// WithRetryer replaces the default 3-attempt linear backoff.
func WithRetryer(factory func() retry.Retryer) UploaderOption {
	return func(u *Uploader) { u.newRetry = factory }
}

func NewUploader(storage Storage, log *zap.Logger, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		storage: storage,
		log:     logging.OrNop(log),
		newRetry: func() retry.Retryer {
			// 3 attempts in total.
			return retry.NewLinear(retry.DefaultLinearStep, 2)
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload stores every object or none: when one exhausts its retries the
// objects already written are removed and ErrUploadFailed is returned.
func (u *Uploader) Upload(ctx context.Context, objects ...Object) error {
	stored := make([]string, 0, len(objects))
	for _, obj := range objects {
		err := retry.Do(ctx, u.newRetry(), func(ctx context.Context) error {
			return u.storage.Put(ctx, obj.Path, bytes.NewReader(obj.Data), int64(len(obj.Data)), obj.ContentType)
		})
		if err != nil {
			u.log.Warn("blob upload failed", zap.String("path", obj.Path), zap.Error(err))
			u.Release(context.WithoutCancel(ctx), stored...)
			return fmt.Errorf("%w: %s: %v", ErrUploadFailed, obj.Path, err)
		}
		stored = append(stored, obj.Path)
	}
	return nil
}

// Release removes paths concurrently. Failures are logged and never returned.
func (u *Uploader) Release(ctx context.Context, paths ...string) {
	var wg sync.WaitGroup
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if err := u.storage.Remove(ctx, p); err != nil {
				u.log.Warn("blob release failed", zap.String("path", p), zap.Error(err))
			}
		}(p)
	}
	wg.Wait()
}

func LoopScreenshotPath(loopID string) string {
	return path.Join("loops", loopID, "screenshot.png")
}

func LoopFilePath(loopID, filename string) string {
	return path.Join("loops", loopID, "file", sanitizeName(filename))
}

func LoopPagePath(loopID string, page int) string {
	return path.Join("loops", loopID, "pages", fmt.Sprintf("%04d.png", page))
}

func CommentAttachmentPath(loopID, commentID, filename string) string {
	return path.Join("loops", loopID, "comments", commentID, sanitizeName(filename))
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

// Discard is a Storage that accepts everything and keeps nothing. It is used
// when no object store is configured.
type Discard struct{}

func (Discard) Put(ctx context.Context, objectPath string, body io.Reader, size int64, contentType string) error {
	_, err := io.Copy(io.Discard, body)
	return err
}

func (Discard) Remove(ctx context.Context, objectPath string) error { return nil }
