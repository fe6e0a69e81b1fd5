package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestLocalGatewayRoundTrip(t *testing.T) {
	g, err := NewLocalGateway(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalGateway: %v", err)
	}

	ref, err := g.Upload(context.Background(), []byte("png-bytes"), "image/png", "inv-1/screenshot-abc")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") || !strings.HasSuffix(ref, ".png") {
		t.Errorf("ref = %q", ref)
	}

	data, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		t.Fatalf("read stored artifact: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("stored content = %q", data)
	}
}

func TestLocalGatewayStableRefForIdenticalKey(t *testing.T) {
	g, err := NewLocalGateway(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	ref1, err := g.Upload(context.Background(), []byte("a"), "image/jpeg", "inv-1/img-1")
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := g.Upload(context.Background(), []byte("a"), "image/jpeg", "inv-1/img-1")
	if err != nil {
		t.Fatal(err)
	}
	if ref1 != ref2 {
		t.Errorf("refs differ for identical key: %q vs %q", ref1, ref2)
	}
}

func TestLocalGatewayTypedErrors(t *testing.T) {
	g, err := NewLocalGateway(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = g.Upload(context.Background(), []byte("x"), "image/png", "////")
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StorageError", err)
	}
	if se.Backend != "local" {
		t.Errorf("Backend = %q", se.Backend)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Upload(ctx, []byte("x"), "image/png", "k"); !errors.As(err, &se) {
		t.Errorf("cancelled upload err = %v, want *StorageError", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"inv-1/img.png", "inv-1/img.png"},
		{"/leading/slash", "leading/slash"},
		{"spaces and:colons", "spaces_and_colons"},
		{"Ünïcode", "_n_code"},
	}
	for _, tt := range tests {
		if got := sanitizeKey(tt.in); got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeS3 struct {
	gotKey         string
	gotContentType string
	err            error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.gotKey = *in.Key
	f.gotContentType = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func TestS3GatewayUpload(t *testing.T) {
	fake := &fakeS3{}
	g := newS3GatewayWithClient(fake, "evidence-bucket", "evidence/")

	ref, err := g.Upload(context.Background(), []byte("jpg"), "image/jpeg", "inv-9/img-3")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if ref != "s3://evidence-bucket/evidence/inv-9/img-3.jpg" {
		t.Errorf("ref = %q", ref)
	}
	if fake.gotKey != "evidence/inv-9/img-3.jpg" {
		t.Errorf("key = %q", fake.gotKey)
	}
	if fake.gotContentType != "image/jpeg" {
		t.Errorf("content type = %q", fake.gotContentType)
	}
}

func TestS3GatewayWrapsFailures(t *testing.T) {
	g := newS3GatewayWithClient(&fakeS3{err: fmt.Errorf("access denied")}, "b", "")

	_, err := g.Upload(context.Background(), []byte("x"), "image/png", "k")
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StorageError", err)
	}
	if se.Backend != "s3" {
		t.Errorf("Backend = %q", se.Backend)
	}
}
