package s3blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// minPartSize is the minimum allowed part size for S3 multipart uploads.
const minPartSize int64 = 5 * 1024 * 1024

type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Writer uploads objects into the client's bucket. Large bodies are split
// into parts and sent concurrently by the SDK upload manager.
type Writer struct {
	uploader uploadAPI
	bucket   string
	prefix   string
}

// NewWriter creates a Writer for c. partSize is clamped to the S3 minimum.
func NewWriter(c *Client, partSize int64) *Writer {
	if partSize < minPartSize {
		partSize = minPartSize
	}
	return &Writer{
		uploader: manager.NewUploader(c.s3, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		bucket: c.bucket,
		prefix: c.prefix,
	}
}

// Key joins the configured prefix and name into an object key.
func (w *Writer) Key(name string) string {
	p := strings.Trim(w.prefix, "/")
	if p == "" {
		return strings.TrimLeft(name, "/")
	}
	return path.Join(p, name)
}

// Put uploads data under Key(name) and returns the object location.
func (w *Writer) Put(ctx context.Context, name string, data io.Reader, contentType string) (string, error) {
	key := w.Key(name)
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   data,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := w.uploader.Upload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("s3blob: upload %s: %w", key, err)
	}
	if out != nil && out.Location != "" {
		return out.Location, nil
	}
	return "s3://" + w.bucket + "/" + key, nil
}

// PutFile uploads the local file at localPath under dir/<base name>.
func (w *Writer) PutFile(ctx context.Context, dir, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("s3blob: %w", err)
	}
	defer f.Close()

	base := filepath.Base(localPath)
	return w.Put(ctx, path.Join(dir, base), f, ContentType(base))
}

// ContentType guesses a MIME type from a file name.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return "text/csv"
	case ".parquet":
		return "application/vnd.apache.parquet"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
