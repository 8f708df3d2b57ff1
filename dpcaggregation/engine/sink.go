package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/CMSgov/dpc-app/log"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
)

// Sink persists finished output files. Put must be all or nothing: a file is
// either fully visible under name or not visible at all.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (location string, err error)
}

// NewSink returns an S3Sink when a bucket is configured and a FileSink otherwise.
func NewSink(cfg *OperationsConfig) (Sink, error) {
	if cfg.ExportS3Bucket != "" {
		return NewS3Sink(cfg.ExportS3Bucket, cfg.ExportPath)
	}
	return NewFileSink(cfg.ExportPath)
}

// FileSink writes to a temporary file in the export directory and renames it
// into place once it is complete.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrapf(err, "could not create export directory %s", dir)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	final := filepath.Join(s.dir, filepath.Base(name))
	tmp := fmt.Sprintf("%s.%s.tmp", final, uuid.New())

	/* #nosec -- path is built from the configured export directory */
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return "", errors.Wrap(err, "could not create temporary file")
	}

	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		removeAndLogError(tmp)
		return "", errors.Wrapf(err, "could not write %s", tmp)
	}

	if err := os.Rename(tmp, final); err != nil {
		removeAndLogError(tmp)
		return "", errors.Wrapf(err, "could not move %s into place", name)
	}
	return final, nil
}

func removeAndLogError(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Worker.Warnf("Failed to remove %s: %s", path, err)
	}
}

// S3Sink uploads each file as a single object. Objects only become visible
// once the upload completes.
type S3Sink struct {
	Bucket   string
	Prefix   string
	Uploader s3manageriface.UploaderAPI
}

func NewS3Sink(bucket, prefix string) (*S3Sink, error) {
	s, err := session.NewSession(&aws.Config{
		Region: aws.String("us-east-1"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not create AWS session")
	}
	return &S3Sink{Bucket: bucket, Prefix: prefix, Uploader: s3manager.NewUploader(s)}, nil
}

func (s *S3Sink) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := strings.TrimPrefix(path.Join(s.Prefix, filepath.Base(name)), "/")
	out, err := s.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/fhir+ndjson"),
	})
	if err != nil {
		return "", errors.Wrapf(err, "could not upload %s to bucket %s", key, s.Bucket)
	}
	return out.Location, nil
}
