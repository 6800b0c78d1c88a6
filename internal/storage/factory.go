package storage

import (
	"fmt"

	"github.com/blueapplecc-ppp/tts-vocl/internal/config"
)

// New selects a Blob implementation by cfg.Storage.Backend, mirroring the
// teacher's storage.NewFromConfig switch. Only "minio" is implemented;
// "oss" is accepted by configuration (kept alive from the teacher's dual-
// backend StorageConfig.Backend switch for operators migrating off
// Aliyun OSS) but has no Go SDK client anywhere in the source this
// codebase was built from, so it fails fast with a clear error instead
// of silently no-opping.
func New(cfg *config.Config) (Blob, error) {
	backend := cfg.Storage.Backend
	if backend == "" {
		backend = "minio"
	}

	switch backend {
	case "minio":
		return NewMinioBlob(cfg.MinIO)
	case "oss":
		return nil, fmt.Errorf("storage: oss backend is configured but not implemented")
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", backend)
	}
}
