package delivery

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"report-scheduler/internal/config"
	"report-scheduler/internal/errs"
)

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores artifacts under reports/<yyyy-mm-dd>/<file> in a bucket.
type S3 struct {
	client objectPutter
	bucket string
	now    func() time.Time
}

// NewS3 loads AWS credentials from the default chain. A custom endpoint
// (MinIO, LocalStack) is used when configured.
func NewS3(ctx context.Context, cfg config.Config) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, errs.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})
	return newS3WithClient(client, cfg.S3Bucket), nil
}

func newS3WithClient(client objectPutter, bucket string) *S3 {
	return &S3{client: client, bucket: bucket, now: time.Now}
}

func (s *S3) Name() string { return "s3" }

// Key returns the object key the artifact is stored under.
func (s *S3) Key(a Artifact) string {
	return path.Join("reports", s.now().UTC().Format("2006-01-02"), filepath.Base(a.Path))
}

func (s *S3) Deliver(ctx context.Context, a Artifact) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return errs.Wrap(err, "open artifact")
	}
	defer f.Close()

	key := s.Key(a)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(xlsxContentType),
		Metadata: map[string]string{
			"job-id": fmt.Sprint(a.JobID),
			"owner":  a.Owner,
			"run-id": a.RunID,
		},
	})
	if err != nil {
		return errs.Wrapf(err, "put s3://%s/%s", s.bucket, key)
	}
	return nil
}
