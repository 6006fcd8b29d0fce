package artifactcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/registry"
)

// fakeS3 is an in-memory S3API double keyed by object key, enough to
// exercise the cache-probe/put/get paths without a real bucket.
type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	content, ok := f.objects[*params.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	size := int64(len(content))
	return &s3.HeadObjectOutput{ContentLength: &size}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	content, ok := f.objects[*params.Key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(content))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	content, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Key] = content
	return &s3.PutObjectOutput{}, nil
}

func TestProbeReportsAbsentForUnknownDigest(t *testing.T) {
	client := NewClientFromAPI(newFakeS3(), "artifacts")
	presence, err := client.Probe(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if presence.Present {
		t.Fatal("expected Present to be false for an unknown digest")
	}
}

func TestPutThenProbeReportsPresent(t *testing.T) {
	client := NewClientFromAPI(newFakeS3(), "artifacts")
	ctx := context.Background()

	if err := client.Put(ctx, "abc123", []byte("payload")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	presence, err := client.Probe(ctx, "abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !presence.Present || presence.Size != int64(len("payload")) {
		t.Fatalf("expected the uploaded artifact to be reported present, got %+v", presence)
	}
}

func TestGetReturnsUploadedContent(t *testing.T) {
	client := NewClientFromAPI(newFakeS3(), "artifacts")
	ctx := context.Background()
	if err := client.Put(ctx, "abc123", []byte("payload")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	content, err := client.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(content) != "payload" {
		t.Fatalf("expected roundtripped content, got %q", content)
	}
}

func TestComputeFunctionProducesPresenceValue(t *testing.T) {
	fake := newFakeS3()
	fake.objects["digest1"] = []byte("xyz")
	client := NewClientFromAPI(fake, "artifacts")

	reg := registry.New()
	const kind keyvalue.Kind = "ARTIFACT_CONTENT"
	RegisterComputeFunction(reg, kind, client)

	fn, _ := reg.Lookup(kind)
	key := keyvalue.New(kind, "digest1")
	value, errInfo := fn(key, nil)
	if errInfo != nil {
		t.Fatalf("unexpected error: %v", errInfo)
	}
	presence := value.Inner().(Presence)
	if !presence.Present {
		t.Fatal("expected the stored digest to be reported present")
	}
}

func TestComputeFunctionRejectsNonStringPayload(t *testing.T) {
	client := NewClientFromAPI(newFakeS3(), "artifacts")
	reg := registry.New()
	const kind keyvalue.Kind = "ARTIFACT_CONTENT"
	RegisterComputeFunction(reg, kind, client)

	fn, _ := reg.Lookup(kind)
	key := keyvalue.New(kind, 42)
	_, errInfo := fn(key, nil)
	if errInfo == nil || errInfo.Kind != keyvalue.ErrFunctionError {
		t.Fatalf("expected a FunctionError for a malformed payload, got %v", errInfo)
	}
}
