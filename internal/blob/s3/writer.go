package s3blob

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
)

// partSize is the S3 minimum part size. Bodies up to one part go out as a
// single PutObject; larger ones are uploaded in parts.
const partSize int64 = manager.MinUploadPartSize

// Writer uploads archive objects to the client's bucket.
type Writer struct {
	uploader *manager.Uploader
	bucket   string
}

// NewWriter returns a Writer on c's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		uploader: manager.NewUploader(c.s3, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		bucket: c.bucket,
	}
}

// Put uploads obj. The record count is kept as object metadata so a listing
// can be audited without downloading the body.
func (w *Writer) Put(ctx context.Context, obj domain.ArchiveObject) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(obj.Key),
		Body:        obj.Body,
		ContentType: aws.String(obj.ContentType),
		Metadata:    map[string]string{"records": strconv.Itoa(obj.Records)},
	}
	if obj.ContentEncoding != "" {
		in.ContentEncoding = aws.String(obj.ContentEncoding)
	}
	if _, err := w.uploader.Upload(ctx, in); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", obj.Key, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
