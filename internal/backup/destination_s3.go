package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Destination keeps archives as objects under one key prefix. Multipart
// uploads only become visible once completed.
type S3Destination struct {
	bucket   string
	prefix   string // "" or ends with "/"
	client   *s3.S3
	uploader *s3manager.Uploader
}

func NewS3Destination(cfg *DestinationConfig) (*S3Destination, error) {
	opts := cfg.S3
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 destination %s has no bucket", cfg.Name)
	}

	awsCfg := aws.NewConfig().WithRegion(opts.Region)
	if opts.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""))
	}
	// MinIO and friends
	if opts.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	client := s3.New(sess)
	prefix := strings.Trim(cfg.Path, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Destination{
		bucket:   opts.Bucket,
		prefix:   prefix,
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
	}, nil
}

func (sd *S3Destination) key(filename string) (string, error) {
	if err := checkArchiveName(filename); err != nil {
		return "", err
	}
	return sd.prefix + filename, nil
}

func (sd *S3Destination) Upload(ctx context.Context, filename string, reader io.Reader, sizeBytes int64) error {
	key, err := sd.key(filename)
	if err != nil {
		return err
	}
	log.Printf("[S3Dest] Uploading s3://%s/%s (%d bytes)", sd.bucket, key, sizeBytes)

	_, err = sd.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:       aws.String(sd.bucket),
		Key:          aws.String(key),
		Body:         reader,
		ContentType:  aws.String(compressionForFile(filename).ContentType()),
		StorageClass: aws.String(s3.StorageClassStandard),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

func (sd *S3Destination) Download(ctx context.Context, filename string, writer io.Writer) error {
	key, err := sd.key(filename)
	if err != nil {
		return err
	}
	out, err := sd.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sd.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("%s: %w", filename, ErrBackupNotFound)
		}
		return fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(writer, out.Body); err != nil {
		return fmt.Errorf("failed to read S3 object: %w", err)
	}
	return nil
}

// Delete succeeds for missing objects, matching S3 semantics.
func (sd *S3Destination) Delete(ctx context.Context, filename string) error {
	key, err := sd.key(filename)
	if err != nil {
		return err
	}
	log.Printf("[S3Dest] Deleting s3://%s/%s", sd.bucket, key)
	if _, err := sd.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(sd.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// List returns objects directly under the prefix; deeper keys are ignored.
func (sd *S3Destination) List(ctx context.Context) ([]BackupFile, error) {
	var files []BackupFile
	err := sd.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(sd.bucket),
		Prefix:    aws.String(sd.prefix),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			name := path.Base(aws.StringValue(obj.Key))
			if checkArchiveName(name) != nil || strings.HasSuffix(name, partialSuffix) {
				continue
			}
			files = append(files, BackupFile{
				Filename:  name,
				SizeBytes: aws.Int64Value(obj.Size),
				CreatedAt: aws.TimeValue(obj.LastModified).Unix(),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list S3 objects: %w", err)
	}
	sortBackupFiles(files)
	return files, nil
}

func (sd *S3Destination) GetType() string { return DestinationS3 }

// Close is a no-op; the SDK pools its own connections.
func (sd *S3Destination) Close() error { return nil }

func isNoSuchKey(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound")
}
