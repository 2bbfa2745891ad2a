package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// maxS3Parts is the multipart upload part limit.
const maxS3Parts = 10000

// ensure interface is implemented
var _ BlockStore = (*S3Store)(nil)

// S3Options configures an S3Store. Empty credentials fall back to the
// default AWS credential chain.
type S3Options struct {
	Bucket     string
	Prefix     string
	Region     string
	Endpoint   string
	AccessKey  string
	SecretKey  string
	PathStyle  bool
	PublicRead bool
}

// S3Store implements BlockStore on an S3-compatible bucket. Blocks are
// staged as objects under .staging/<object>/ and assembled server-side on
// commit with a multipart upload built from UploadPartCopy.
type S3Store struct {
	client     *s3.Client
	bucket     string
	prefix     string
	region     string
	publicRead bool
}

// NewS3Store creates a new S3Store.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})

	return &S3Store{
		client:     client,
		bucket:     opts.Bucket,
		prefix:     opts.Prefix,
		region:     cfg.Region,
		publicRead: opts.PublicRead,
	}, nil
}

// buildKey constructs the full S3 key based on the store's prefix
func (s *S3Store) buildKey(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if s.prefix == "" {
		return subPath
	}
	key := path.Join(s.prefix, subPath)
	return strings.TrimPrefix(key, "/")
}

func (s *S3Store) stagingPrefix(object string) string {
	return s.buildKey(path.Join(stagingDir, object)) + "/"
}

func (s *S3Store) EnsureContainer(ctx context.Context) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}

	_, err := s.client.CreateBucket(ctx, input)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if !errors.As(err, &owned) && !errors.As(err, &exists) {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}

	if !s.publicRead {
		return nil
	}

	policy, err := publicReadPolicy(s.bucket, s.prefix)
	if err != nil {
		return err
	}
	if _, err := s.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(s.bucket),
		Policy: aws.String(policy),
	}); err != nil {
		return fmt.Errorf("failed to set public read policy on %s: %w", s.bucket, err)
	}
	return nil
}

type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect    string   `json:"Effect"`
	Principal string   `json:"Principal"`
	Action    []string `json:"Action"`
	Resource  []string `json:"Resource"`
}

func publicReadPolicy(bucket, prefix string) (string, error) {
	resource := "arn:aws:s3:::" + bucket + "/"
	if p := strings.Trim(prefix, "/"); p != "" {
		resource += p + "/"
	}
	resource += "*"

	b, err := json.Marshal(bucketPolicy{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: "*",
			Action:    []string{"s3:GetObject"},
			Resource:  []string{resource},
		}},
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *S3Store) StageBlock(ctx context.Context, object, blockID string, data []byte) error {
	if err := validName(object); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.stagingPrefix(object) + blockID),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("failed to stage block %s of %s: %w", blockID, object, err)
	}
	return nil
}

func (s *S3Store) Commit(ctx context.Context, object string, blockIDs []string, contentType string) error {
	if err := validName(object); err != nil {
		return err
	}
	if len(blockIDs) == 0 {
		return fmt.Errorf("commit %s: empty block list", object)
	}
	if len(blockIDs) > maxS3Parts {
		return fmt.Errorf("commit %s: %d blocks exceeds the %d part limit", object, len(blockIDs), maxS3Parts)
	}

	key := s.buildKey(object)
	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to start multipart upload for %s: %w", object, err)
	}

	parts, err := s.copyParts(ctx, key, *create.UploadId, object, blockIDs)
	if err == nil {
		_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(key),
			UploadId:        create.UploadId,
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
	}
	if err != nil {
		_, _ = s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: create.UploadId,
		})
		return fmt.Errorf("failed to commit %s: %w", object, err)
	}

	// staged copies are unreferenced after commit; a failed cleanup only wastes space
	_ = s.deleteBlocks(ctx, object, blockIDs)
	return nil
}

func (s *S3Store) Discard(ctx context.Context, object string, blockIDs []string) error {
	if err := validName(object); err != nil {
		return err
	}
	return s.deleteBlocks(ctx, object, blockIDs)
}

func (s *S3Store) copyParts(ctx context.Context, key, uploadID, object string, blockIDs []string) ([]types.CompletedPart, error) {
	parts := make([]types.CompletedPart, 0, len(blockIDs))
	for i, id := range blockIDs {
		partNumber := aws.Int32(int32(i + 1))
		out, err := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: partNumber,
			CopySource: aws.String(copySource(s.bucket, s.stagingPrefix(object)+id)),
		})
		if err != nil {
			if isS3Code(err, "NoSuchKey", "NotFound") {
				return nil, fmt.Errorf("%w: %s", ErrBlockNotStaged, id)
			}
			return nil, fmt.Errorf("copy block %s: %w", id, err)
		}
		parts = append(parts, types.CompletedPart{
			ETag:       out.CopyPartResult.ETag,
			PartNumber: partNumber,
		})
	}
	return parts, nil
}

// copySource encodes bucket/key for the x-amz-copy-source header.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// deleteBlocks removes staged blocks in batches of the DeleteObjects limit.
func (s *S3Store) deleteBlocks(ctx context.Context, object string, blockIDs []string) error {
	const batch = 1000

	prefix := s.stagingPrefix(object)
	for start := 0; start < len(blockIDs); start += batch {
		chunk := blockIDs[start:min(start+batch, len(blockIDs))]
		ids := make([]types.ObjectIdentifier, 0, len(chunk))
		for _, id := range chunk {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(prefix + id)})
		}
		if _, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("failed to discard staged blocks of %s: %w", object, err)
		}
	}
	return nil
}

func (s *S3Store) Stat(ctx context.Context, object string) (ObjectInfo, error) {
	if err := validName(object); err != nil {
		return ObjectInfo{}, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.buildKey(object)),
	})
	if err != nil {
		if isS3Code(err, "NotFound", "NoSuchKey") {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, object)
		}
		return ObjectInfo{}, fmt.Errorf("stat failed for %q: %w", object, err)
	}

	info := ObjectInfo{
		Name:        object,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

func (s *S3Store) ReadRange(ctx context.Context, object string, start, end int64) (io.ReadCloser, error) {
	if err := validName(object); err != nil {
		return nil, err
	}
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.buildKey(object)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		switch {
		case isS3Code(err, "NoSuchKey", "NotFound"):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, object)
		case isS3Code(err, "InvalidRange"):
			return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
		}
		return nil, fmt.Errorf("failed to read %q: %w", object, err)
	}
	return out.Body, nil
}

func isS3Code(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
