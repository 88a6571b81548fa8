// Package storage uploads produced media files to S3-compatible object
// storage. Bucket keys are <broadcastID>/<fileName>, taken from the last
// two path components of the local file, so playlists, segments, and
// thumbnails for one broadcast share a prefix.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Uploader puts local files into one S3 bucket with public-read ACLs.
type S3Uploader struct {
	log    *slog.Logger
	client *s3.Client
	bucket string
}

// Options configures an S3Uploader.
type Options struct {
	Region    string
	KeyID     string
	KeySecret string
	Bucket    string
}

// NewS3Uploader constructs the uploader with static credentials.
// If log is nil, slog.Default() is used.
func NewS3Uploader(ctx context.Context, opts Options, log *slog.Logger) (*S3Uploader, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.KeyID, opts.KeySecret, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load AWS config: %w", err)
	}

	return &S3Uploader{
		log:    log.With("component", "s3", "bucket", opts.Bucket),
		client: s3.NewFromConfig(cfg),
		bucket: opts.Bucket,
	}, nil
}

// Upload puts the file at path into the bucket. When deleteAfter is true
// the local file is removed once the put succeeds; a failed removal is
// logged but does not fail the upload.
func (u *S3Uploader) Upload(ctx context.Context, path string, deleteAfter bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("storage: read %s: %w", path, err)
	}

	key := ObjectKey(path)
	u.log.Debug("upload starting", "key", key, "bytes", len(data))

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(ContentType(path)),
		ACL:           types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	u.log.Info("upload completed", "key", key, "bytes", len(data))

	if deleteAfter {
		if err := os.Remove(path); err != nil {
			u.log.Warn("could not remove uploaded file", "path", path, "error", err)
		}
	}
	return nil
}

// ObjectKey derives the bucket key from a local file path: the broadcast
// directory name joined with the file name.
func ObjectKey(path string) string {
	dir, file := filepath.Split(filepath.Clean(path))
	return filepath.Base(dir) + "/" + file
}

// ContentType maps produced file extensions to their upload content types.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u8":
		return "application/x-mpegURL"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}
