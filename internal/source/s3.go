package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/iqtiles/server/internal/pipeline"
)

// S3Config configures access to an S3 compatible object store.
type S3Config struct {
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// NewS3Client builds a client from static credentials when given, otherwise
// from the default provider chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var loaders []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loaders = append(loaders, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// S3API is the subset of the S3 client used by S3Source.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Source reads tiles from a .sigmf-data object with ranged GETs.
type S3Source struct {
	layout
	client S3API
	bucket string
	key    string
	meta   *Metadata
}

// OpenS3 loads the .sigmf-meta object next to key and sizes the data object.
func OpenS3(ctx context.Context, client S3API, bucket, key string, tileSamples int) (*S3Source, error) {
	metaKey := strings.TrimSuffix(key, ".sigmf-data") + ".sigmf-meta"
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(metaKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, metaKey, err)
	}
	raw, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, metaKey, err)
	}
	meta, err := ParseMetadata(raw)
	if err != nil {
		return nil, err
	}
	dt, err := ParseDataType(meta.Global.DataType)
	if err != nil {
		return nil, err
	}

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to head s3://%s/%s: %w", bucket, key, err)
	}

	return &S3Source{
		layout: layout{dataType: dt, tileSamples: tileSamples, size: aws.ToInt64(head.ContentLength)},
		client: client,
		bucket: bucket,
		key:    key,
		meta:   meta,
	}, nil
}

// Metadata returns the recording's SigMF metadata.
func (s *S3Source) Metadata() *Metadata {
	return s.meta
}

// Fetch reads one tile.
func (s *S3Source) Fetch(ctx context.Context, index int) (pipeline.RawTile, error) {
	tiles, err := s.FetchRange(ctx, index, 1)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, fmt.Errorf("%w: tile %d", pipeline.ErrOutOfRange, index)
	}
	return tiles[0], nil
}

// FetchRange reads count contiguous tiles with a single ranged GET.
func (s *S3Source) FetchRange(ctx context.Context, start, count int) ([]pipeline.RawTile, error) {
	offset, length, err := s.span(start, count)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get tiles %d+%d: %w", start, count, err)
	}
	defer out.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(out.Body, length))
	if err != nil {
		return nil, fmt.Errorf("failed to read tiles %d+%d: %w", start, count, err)
	}
	return s.split(buf), nil
}
