package fileprep

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

func s3Session(endpoint string) (*session.Session, error) {
	cfg := aws.NewConfig()
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	return session.NewSession(cfg)
}

func (p *Preparer) downloadS3(ctx context.Context, bucket, key, localPath string) error {
	sess, err := s3Session("")
	if err != nil {
		return err
	}
	out, err := p.fs.Create(localPath)
	if err != nil {
		return err
	}
	defer out.Close()

	downloader := s3manager.NewDownloader(sess)
	_, err = downloader.DownloadWithContext(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

// WriteS3 is the C3 output verb: upload local to bucket/remote via
// an optional custom endpoint (for S3-compatible stores).
func (p *Preparer) WriteS3(endpoint, bucket, local, remote string) error {
	sess, err := s3Session(endpoint)
	if err != nil {
		return fmt.Errorf("s3 session: %w", err)
	}
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer f.Close()

	uploader := s3manager.NewUploader(sess)
	_, err = uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(remote),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload %s to s3://%s/%s: %w", local, bucket, remote, err)
	}
	return nil
}
