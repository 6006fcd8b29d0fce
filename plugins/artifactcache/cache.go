// Package artifactcache implements a content-addressed cache client
// against S3, adapted from the teacher's storage/s3aws.go, and wires
// it against the ARTIFACT_CONTENT key kind. It is an external
// collaborator in the sense of spec.md §1: the engine core never
// imports this package, only a compute function registered through
// core/registry does.
package artifactcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/registry"
)

// S3API abstracts the AWS S3 SDK client down to the operations this
// package uses, mirroring the teacher's storage.S3Client interface so
// a test can substitute a fake instead of talking to real S3.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presence is ARTIFACT_CONTENT's value: whether a given content digest
// is present in the configured cache, and, if so, its stored size.
type Presence struct {
	Present bool
	Size    int64
}

// Client is a thin S3 wrapper scoped to what ARTIFACT_CONTENT needs:
// existence probing, upload-on-miss and download. It
// follows the teacher's endpoint/credentials-resolution shape from
// MinioGetObject/HetznerUploadFile (static credentials, path-style
// addressing, a caller-supplied endpoint for non-AWS S3-compatible
// backends) rather than introducing a second configuration surface.
type Client struct {
	s3     S3API
	bucket string
}

// NewClient configures a Client against an S3-compatible endpoint.
// endpoint may be empty to use AWS S3 itself.
func NewClient(ctx context.Context, endpoint, region, accessKey, secretKey, bucket string) (*Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	}
	if endpoint != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, SigningRegion: region, HostnameImmutable: true}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load artifact cache configuration: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.UsePathStyle = true
		}
	})
	return NewClientFromAPI(client, bucket), nil
}

// NewClientFromAPI constructs a Client directly over api, letting
// tests substitute a fake S3API instead of a real AWS endpoint.
func NewClientFromAPI(api S3API, bucket string) *Client {
	return &Client{s3: api, bucket: bucket}
}

// Probe reports whether digest is already stored, via a HeadObject
// call rather than a full download.
func (c *Client) Probe(ctx context.Context, digest string) (Presence, error) {
	resp, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(digest),
	})
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return Presence{Present: false}, nil
	}
	if err != nil {
		return Presence{}, fmt.Errorf("head artifact %s: %w", digest, err)
	}
	size := int64(0)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return Presence{Present: true, Size: size}, nil
}

// Put uploads content under digest, the cache-miss path a caller runs
// before re-probing ARTIFACT_CONTENT.
func (c *Client) Put(ctx context.Context, digest string, content []byte) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(digest),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return fmt.Errorf("upload artifact %s: %w", digest, err)
	}
	return nil
}

// Get downloads the content stored under digest.
func (c *Client) Get(ctx context.Context, digest string) ([]byte, error) {
	resp, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(digest),
	})
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", digest, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// RegisterComputeFunction wires the ARTIFACT_CONTENT kind against reg:
// a node's payload is a content digest, and its value is the Presence
// reported by probing client.
func RegisterComputeFunction(reg *registry.Registry, kind keyvalue.Kind, client *Client) {
	reg.Register(kind, func(key keyvalue.Key, env registry.Env) (keyvalue.Value, *keyvalue.ErrorInfo) {
		digest, ok := key.Payload().(string)
		if !ok {
			return keyvalue.Value{}, &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrFunctionError,
				Message: "ARTIFACT_CONTENT payload is not a content digest string",
			}
		}
		presence, err := client.Probe(context.Background(), digest)
		if err != nil {
			return keyvalue.Value{}, &keyvalue.ErrorInfo{
				Kind:    keyvalue.ErrFunctionError,
				Message: "probe artifact " + digest + ": " + err.Error(),
			}
		}
		return keyvalue.JustValue(presence), nil
	})
}
