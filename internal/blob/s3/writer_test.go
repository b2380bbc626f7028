package s3blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeUploader struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(b))
	return &manager.UploadOutput{}, nil
}

func TestWriterKey(t *testing.T) {
	tests := []struct {
		prefix, name, want string
	}{
		{"", "run/a.csv", "run/a.csv"},
		{"exports", "run/a.csv", "exports/run/a.csv"},
		{"/exports/", "run/a.csv", "exports/run/a.csv"},
		{"", "/a.csv", "a.csv"},
	}
	for _, tt := range tests {
		w := &Writer{prefix: tt.prefix}
		if got := w.Key(tt.name); got != tt.want {
			t.Errorf("Key(%q) with prefix %q = %q, want %q", tt.name, tt.prefix, got, tt.want)
		}
	}
}

func TestWriterPutFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "orders.csv")
	if err := os.WriteFile(local, []byte("id,symbol\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	up := &fakeUploader{}
	w := &Writer{uploader: up, bucket: "bkt", prefix: "exports"}
	loc, err := w.PutFile(context.Background(), "run-1", local)
	if err != nil {
		t.Fatal(err)
	}
	if loc != "s3://bkt/exports/run-1/orders.csv" {
		t.Errorf("location = %q, want s3://bkt/exports/run-1/orders.csv", loc)
	}
	if len(up.inputs) != 1 {
		t.Fatalf("uploads = %d, want 1", len(up.inputs))
	}
	in := up.inputs[0]
	if aws.ToString(in.Bucket) != "bkt" || aws.ToString(in.ContentType) != "text/csv" {
		t.Errorf("input bucket/type = %q/%q, want bkt/text/csv", aws.ToString(in.Bucket), aws.ToString(in.ContentType))
	}
	if up.bodies[0] != "id,symbol\n" {
		t.Errorf("body = %q", up.bodies[0])
	}
}

func TestWriterPutError(t *testing.T) {
	w := &Writer{uploader: &fakeUploader{err: errors.New("denied")}, bucket: "bkt"}
	if _, err := w.PutFile(context.Background(), "", filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("PutFile(missing) error = nil, want error")
	}

	f := filepath.Join(t.TempDir(), "x.parquet")
	os.WriteFile(f, []byte("PAR1"), 0o644)
	if _, err := w.PutFile(context.Background(), "", f); err == nil {
		t.Error("PutFile() error = nil, want upload error")
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a.csv":     "text/csv",
		"A.PARQUET": "application/vnd.apache.parquet",
		"m.json":    "application/json",
		"blob":      "application/octet-stream",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(context.Background(), ClientConfig{Region: "us-east-1"}); err == nil {
		t.Error("New() without bucket error = nil, want error")
	}
	if _, err := New(context.Background(), ClientConfig{Bucket: "b"}); err == nil {
		t.Error("New() without region error = nil, want error")
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := map[string]string{
		"minio.local:9000":        "https://minio.local:9000",
		"http://minio.local:9000": "http://minio.local:9000",
		"https://r2.example.com":  "https://r2.example.com",
	}
	for in, want := range tests {
		if got := normaliseEndpoint(in); got != want {
			t.Errorf("normaliseEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}
