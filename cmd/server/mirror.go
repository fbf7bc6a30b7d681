package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"idlegrove.app/internal/persistence/r2s3"
)

type mirrorRuntime struct {
	enabled bool
	mirror  *r2s3.Mirror
}

func buildMirrorRuntime(ctx context.Context, dataDir string, logger *log.Logger) (*mirrorRuntime, error) {
	if !envBool("IDLEGROVE_S3_MIRROR", false) {
		return &mirrorRuntime{enabled: false}, nil
	}

	cfg := r2s3.ConfigFromEnv()
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("IDLEGROVE_S3_MIRROR=true but IDLEGROVE_S3_BUCKET is not set")
	}
	client, err := r2s3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	workers := envInt("IDLEGROVE_S3_UPLOAD_WORKERS", 2)
	queue := envInt("IDLEGROVE_S3_QUEUE", 2048)
	wait := time.Duration(envInt("IDLEGROVE_S3_ENQUEUE_WAIT_MS", 25)) * time.Millisecond
	prefix := strings.TrimSpace(os.Getenv("IDLEGROVE_S3_PREFIX"))
	return &mirrorRuntime{
		enabled: true,
		mirror:  r2s3.NewMirror(client, dataDir, prefix, workers, queue, wait, logger),
	}, nil
}

func (r *mirrorRuntime) Close() {
	if r == nil || r.mirror == nil {
		return
	}
	r.mirror.Close()
}

func (r *mirrorRuntime) Enqueue(localPath string) {
	if r == nil || !r.enabled || r.mirror == nil {
		return
	}
	r.mirror.Enqueue(localPath)
}

func (r *mirrorRuntime) EnqueueIfExists(localPath string) {
	if r == nil || !r.enabled {
		return
	}
	if _, err := os.Stat(localPath); err == nil {
		r.Enqueue(localPath)
	}
}

func (r *mirrorRuntime) Stats() (r2s3.Stats, bool) {
	if r == nil || !r.enabled || r.mirror == nil {
		return r2s3.Stats{}, false
	}
	return r.mirror.Stats(), true
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
