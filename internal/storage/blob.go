// Package storage is the Blob Store collaborator of spec §1: a small
// contract the Task Engine uses to persist finished audio, adapted from
// the teacher's shared/minio and shared/storage packages.
package storage

import (
	"context"
	"fmt"
	"time"
)

// Blob is the external blob store contract from spec §6:
// put(key, bytes, content_type, public_read) -> url.
type Blob interface {
	Put(ctx context.Context, key string, data []byte, contentType string, publicRead bool) (url string, err error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// KeyFor builds the audio/{yyyy}/{mm}/{base_name}_{char_bucket}_v{NN}.mp3
// key pattern from spec §6. charCount selects the "长"/"短"-style length
// bucket the original implementation distinguishes (long vs short
// dialogue, long being >4000 characters); here rendered in English as
// "long"/"short" to keep keys ASCII-safe across backends.
func KeyFor(now time.Time, baseName string, charCount, version int) string {
	bucket := "short"
	if charCount > 4000 {
		bucket = "long"
	}
	return fmt.Sprintf("audio/%04d/%02d/%s_%s_v%02d.mp3", now.Year(), now.Month(), baseName, bucket, version)
}
