package mongostore

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// StoreBlob uploads r as a new GridFS file under "<prefix>.fs.files" /
// "<prefix>.fs.chunks" and returns a content-addressed filename for the
// owning log record to reference. The filename is a generated identifier,
// not a content hash — uniqueness, not dedup, is all the protocol needs.
func (s *Store) StoreBlob(ctx context.Context, r io.Reader, contentType string) (string, error) {
	filename := uuid.NewString()

	uploadOpts := options.GridFSUpload()
	if contentType != "" {
		uploadOpts.SetMetadata(bson.D{{Key: "contentType", Value: contentType}})
	}

	uploadStream, err := s.bucket.OpenUploadStream(ctx, filename, uploadOpts)
	if err != nil {
		return "", fmt.Errorf("mongostore: open upload stream: %w", err)
	}
	defer uploadStream.Close()

	if _, err := io.Copy(uploadStream, r); err != nil {
		return "", fmt.Errorf("mongostore: upload blob %s: %w", filename, err)
	}

	return filename, nil
}

// OpenBlob returns a reader for a filename previously returned by StoreBlob.
func (s *Store) OpenBlob(ctx context.Context, filename string) (io.ReadCloser, error) {
	stream, err := s.bucket.OpenDownloadStreamByName(ctx, filename)
	if err != nil {
		return nil, fmt.Errorf("mongostore: open download stream for %s: %w", filename, err)
	}
	return stream, nil
}
