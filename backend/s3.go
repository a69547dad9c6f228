package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// s3TmpDir holds in-progress uploads under the backend prefix.
const s3TmpDir = ".tmp/"

// S3Config configures an S3 backend.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the service endpoint (MinIO, LocalStack). Setting
	// it switches the client to path-style addressing.
	Endpoint string
	// Prefix is prepended to every key, e.g. "votes/".
	Prefix string
}

// s3API is the subset of the S3 client used by the backend.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 implements Backend on an S3 compatible object store.
//
// Object stores have no rename, so writes upload to a temporary key, copy
// it server-side to the destination and delete the temporary key. The copy
// is a single atomic PUT from the reader's point of view.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

// NewS3 creates an S3 backend using the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3WithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3WithClient(client s3API, bucket, prefix string) *S3 {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

// Write uploads r to a temporary key and promotes it to key. Readers that
// cannot seek are spooled to disk first since uploads need a known length.
func (s *S3) Write(ctx context.Context, key string, r io.Reader) error {
	if rs, ok := r.(io.ReadSeeker); ok {
		return s.upload(ctx, key, rs)
	}

	w, err := s.Writer(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = Abort(w)
		return fmt.Errorf("spooling data: %w", err)
	}
	return w.Close()
}

func (s *S3) upload(ctx context.Context, key string, body io.ReadSeeker) error {
	tmpKey := s.prefix + s3TmpDir + uuid.NewString()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(tmpKey),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", tmpKey, err)
	}

	return s.promote(ctx, tmpKey, s.objectKey(key))
}

func (s *S3) promote(ctx context.Context, tmpKey, dstKey string) error {
	defer func() {
		_, _ = s.client.DeleteObject(context.WithoutCancel(ctx), &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(tmpKey),
		})
	}()

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(s.bucket, tmpKey)),
	})
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", tmpKey, dstKey, err)
	}
	return nil
}

// Read retrieves the object at key.
func (s *S3) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object: %w", err)
	}
	return out.Body, nil
}

// Delete removes the object at key. Deleting a missing key succeeds.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// Exists checks for the object with a HEAD request.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking object: %w", err)
}

// List returns keys below prefix, relative to the backend prefix.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	tmp := s.prefix + s3TmpDir

	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects: %w", err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if strings.HasPrefix(k, tmp) {
				continue
			}
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
	}
	return keys, nil
}

// Writer spools the content to a local temp file so the upload body is
// seekable, then uploads and promotes it on Close.
func (s *S3) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	f, err := os.CreateTemp("", "sidekick-s3-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	return &s3Writer{ctx: ctx, s: s, key: key, f: f}, nil
}

func (s *S3) objectKey(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

type s3Writer struct {
	ctx  context.Context
	s    *S3
	key  string
	f    *os.File
	done bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *s3Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.cleanup()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding spool file: %w", err)
	}
	return w.s.upload(w.ctx, w.key, w.f)
}

func (w *s3Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.cleanup()
	return nil
}

func (w *s3Writer) cleanup() {
	_ = w.f.Close()
	_ = os.Remove(w.f.Name())
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

var (
	_ Backend       = (*S3)(nil)
	_ WriterBackend = (*S3)(nil)
	_ Aborter       = (*s3Writer)(nil)
)
