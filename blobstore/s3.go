package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/abdplatform/blob-storage-backend/interfaces"
)

// S3Provider stores blob content in Amazon S3 or a compatible object store.
// This is the CDN-object-store style provider: uploaded documents are
// publicly addressable through the bucket's HTTPS endpoint.
type S3Provider struct {
	client         *s3.S3
	writeClient    *s3.S3
	bucketName     string
	prefix         string
	region         string
	endpoint       string
	log            *slog.Logger
	locationURI    string
	hasWriteAccess bool
}

// NewS3Provider creates a new S3 storage provider.
// If accessKey and secretKey are provided, the provider will have write
// access. Otherwise it can only address publicly accessible objects.
func NewS3Provider(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Provider, error) {
	// Format the URI for tracking
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}
	if accessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", accessKey, bucketName, prefix, region)
		if endpoint != "" {
			uri += fmt.Sprintf("&endpoint=%s", endpoint)
		}
	}

	baseCfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		baseCfg.Endpoint = aws.String(endpoint)
	}

	baseSess, err := session.NewSession(&baseCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	readClient := s3.New(baseSess)

	hasWriteAccess := accessKey != "" && secretKey != ""
	var writeClient *s3.S3

	if hasWriteAccess {
		writeCfg := baseCfg.Copy()
		writeCfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")

		writeSess, err := session.NewSession(writeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS write session: %w", err)
		}
		writeClient = s3.New(writeSess)
	} else {
		writeClient = readClient
		log.Warn("No S3 credentials provided - write operations may fail unless bucket is public writable")
	}

	return &S3Provider{
		client:         readClient,
		writeClient:    writeClient,
		bucketName:     bucketName,
		prefix:         strings.TrimSuffix(prefix, "/"),
		region:         region,
		endpoint:       endpoint,
		log:            log,
		locationURI:    uri,
		hasWriteAccess: hasWriteAccess,
	}, nil
}

// Upload stores blob content in S3 and returns the object key and retrieval
// URLs. The object key is namespaced by the scope's upload purpose so that
// ingest, user, and system documents land in separate folders.
func (p *S3Provider) Upload(ctx context.Context, data []byte, filename string, scope interfaces.Scope) (interfaces.UploadResult, error) {
	start := time.Now()
	key := p.objectKey(scope.Purpose, filename)

	_, err := p.writeClient.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		ACL:    aws.String("public-read"),
	})
	if err != nil {
		if !p.hasWriteAccess {
			return interfaces.UploadResult{}, fmt.Errorf("%w: upload to S3 (no write credentials provided): %v", interfaces.ErrProviderFailure, err)
		}
		return interfaces.UploadResult{}, fmt.Errorf("%w: upload to S3: %v", interfaces.ErrProviderFailure, err)
	}

	url := p.objectURL(key)
	p.log.Debug("Uploaded blob to S3",
		slog.String("bucket", p.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return interfaces.UploadResult{
		ProviderID: key,
		URL:        url,
		SecureURL:  url,
	}, nil
}

// Delete removes an object from S3. A missing object is treated as success
// so that GC retries stay idempotent.
func (p *S3Provider) Delete(ctx context.Context, providerID string) error {
	start := time.Now()

	_, err := p.writeClient.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucketName),
		Key:    aws.String(providerID),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			p.log.Debug("Object already absent in S3",
				slog.String("bucket", p.bucketName),
				slog.String("key", providerID))
			return nil
		}
		return fmt.Errorf("%w: delete from S3: %v", interfaces.ErrProviderFailure, err)
	}

	p.log.Debug("Deleted blob from S3",
		slog.String("bucket", p.bucketName),
		slog.String("key", providerID),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Available checks if the S3 provider is accessible by attempting to head
// the bucket.
func (p *S3Provider) Available(ctx context.Context) bool {
	start := time.Now()

	_, err := p.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.bucketName),
	})
	if err != nil {
		p.log.Warn("S3 provider unavailable",
			slog.String("bucket", p.bucketName),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return false
	}
	return true
}

// Kind returns the provider tag recorded on registry rows.
func (p *S3Provider) Kind() interfaces.ProviderKind {
	return interfaces.ProviderObjectStore
}

// Name returns a unique identifier for this storage provider.
func (p *S3Provider) Name() string {
	return fmt.Sprintf("s3-%s", p.bucketName)
}

// LocationURI returns the URI that identifies this storage provider.
func (p *S3Provider) LocationURI() string {
	return p.locationURI
}

// objectKey generates an S3 object key namespaced by upload purpose.
func (p *S3Provider) objectKey(purpose interfaces.UploadPurpose, filename string) string {
	key := path.Join(purpose.String(), filename)
	if p.prefix == "" {
		return key
	}
	return path.Join(p.prefix, key)
}

// objectURL builds the HTTPS retrieval URL for an object key.
func (p *S3Provider) objectURL(key string) string {
	if p.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(p.endpoint, "/"), p.bucketName, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.bucketName, p.region, key)
}
