package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"stationcraft.ai/internal/persistence/s3mirror"
)

type mirrorRuntime struct {
	enabled      bool
	rotateLayout string
	mirror       *s3mirror.Mirror
}

func buildMirrorRuntime(ctx context.Context, dataDir string, logger *log.Logger) (*mirrorRuntime, error) {
	if !envBool("SC_S3_MIRROR", false) {
		return &mirrorRuntime{}, nil
	}

	cfg := s3mirror.Config{
		Region:          strings.TrimSpace(os.Getenv("SC_S3_REGION")),
		Bucket:          strings.TrimSpace(os.Getenv("SC_S3_BUCKET")),
		Endpoint:        strings.TrimSpace(os.Getenv("SC_S3_ENDPOINT")),
		AccessKeyID:     strings.TrimSpace(os.Getenv("SC_S3_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("SC_S3_SECRET_ACCESS_KEY")),
		PathStyle:       envBool("SC_S3_PATH_STYLE", false),
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("SC_S3_MIRROR=true but SC_S3_BUCKET is empty")
	}

	client, err := s3mirror.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := s3mirror.Options{
		Prefix:       strings.TrimSpace(os.Getenv("SC_S3_PREFIX")),
		Workers:      envInt("SC_S3_UPLOAD_WORKERS", 2),
		LaneCapacity: envInt("SC_S3_QUEUE", 2048),
		EnqueueWait:  time.Duration(envInt("SC_S3_ENQUEUE_WAIT_MS", 25)) * time.Millisecond,
	}

	return &mirrorRuntime{
		enabled:      true,
		rotateLayout: "2006-01-02-15-04", // one-minute log segments
		mirror:       s3mirror.NewMirror(client, dataDir, opts, logger),
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

func (r *mirrorRuntime) Stats() (s3mirror.Stats, bool) {
	if r == nil || !r.enabled || r.mirror == nil {
		return s3mirror.Stats{}, false
	}
	return r.mirror.Stats(), true
}
