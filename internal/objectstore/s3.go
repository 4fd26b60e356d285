package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	defaultPresignTTL   = time.Hour
	deleteBatchSize     = 1000
	defaultObjectRegion = "auto"
)

// S3Config describes the bucket endpoint. Endpoint and credentials cover
// S3-compatible providers (R2, MinIO); leaving them empty falls back to the
// ambient AWS configuration chain.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	PublicBaseURL  string
	ForcePathStyle bool
	PresignTTL     time.Duration
}

type s3Gateway struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	bucket        string
	publicBaseURL string
	endpoint      string
	presignTTL    time.Duration
}

// NewS3Gateway builds a Gateway backed by an S3-compatible bucket.
func NewS3Gateway(ctx context.Context, cfg S3Config) (Gateway, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("object storage bucket is required")
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = defaultObjectRegion
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load object storage config: %w", err)
	}

	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}

	return &s3Gateway{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		endpoint:      endpoint,
		presignTTL:    ttl,
	}, nil
}

func (g *s3Gateway) Upload(ctx context.Context, key, contentType string, body io.Reader) (ObjectRef, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := g.client.PutObject(ctx, input); err != nil {
		return ObjectRef{}, fmt.Errorf("upload object %s: %w", key, err)
	}
	return ObjectRef{Key: key, URL: g.PublicURL(key)}, nil
}

func (g *s3Gateway) Download(ctx context.Context, key string, dst io.Writer) error {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download object %s: %w", key, err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(dst, out.Body); err != nil {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	return nil
}

func (g *s3Gateway) StartMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := g.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("start multipart upload %s: %w", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (g *s3Gateway) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32) (string, error) {
	req, err := g.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(g.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(g.presignTTL))
	if err != nil {
		return "", fmt.Errorf("presign part %d of %s: %w", partNumber, key, err)
	}
	return req.URL, nil
}

func (g *s3Gateway) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) (ObjectRef, error) {
	// Client part ordering is not trusted; storage requires ascending
	// part numbers.
	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completed := make([]types.CompletedPart, 0, len(sorted))
	for _, part := range sorted {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(part.PartNumber),
		})
	}
	_, err := g.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(g.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return ObjectRef{}, fmt.Errorf("complete multipart upload %s: %w", key, err)
	}
	return ObjectRef{Key: key, URL: g.PublicURL(key)}, nil
}

func (g *s3Gateway) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := g.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(g.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload %s: %w", key, err)
	}
	return nil
}

func (g *s3Gateway) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (g *s3Gateway) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := g.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		identifiers := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			identifiers = append(identifiers, types.ObjectIdentifier{Key: aws.String(key)})
		}
		_, err := g.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(g.bucket),
			Delete: &types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects under %s: %w", prefix, err)
		}
	}
	return nil
}

func (g *s3Gateway) PublicURL(key string) string {
	trimmedKey := strings.TrimLeft(key, "/")
	if g.publicBaseURL != "" {
		return g.publicBaseURL + "/" + trimmedKey
	}
	if g.endpoint != "" {
		return g.endpoint + "/" + g.bucket + "/" + trimmedKey
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", g.bucket, trimmedKey)
}
