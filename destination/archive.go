package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// BlobPutter stores archive copies of delivered sections. Satisfied by the
// blobstore implementations.
type BlobPutter interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// ArchiveFactory returns a Factory for the archive destination, which files
// the section into blob storage under a deterministic key. It is the
// terminal fallback: it has no external dependency beyond the blob store
// and its reference is reproducible, so redelivery is idempotent.
func ArchiveFactory(blobs BlobPutter) Factory {
	return func(json.RawMessage) (Adapter, error) {
		if blobs == nil {
			return nil, fmt.Errorf("archive: blob store is required")
		}
		return &archiveAdapter{blobs: blobs}, nil
	}
}

type archiveAdapter struct {
	blobs BlobPutter
}

func (a *archiveAdapter) Key() string { return "archive" }

func (a *archiveAdapter) Deliver(ctx context.Context, d Delivery) (Receipt, error) {
	key := ArchiveKey(d)
	if err := a.blobs.Put(ctx, key, d.Content, -1, d.ContentType); err != nil {
		return Receipt{}, &DeliveryError{Dest: a.Key(), Cause: fmt.Errorf("put %s: %w", key, err)}
	}
	return Receipt{ExternalRef: key, DeliveredAt: time.Now()}, nil
}

// ArchiveKey returns the deterministic blob key a delivery archives under.
func ArchiveKey(d Delivery) string {
	return fmt.Sprintf("archive/%s/%s/%s_p%d-%d.pdf",
		d.UtilityCode, d.SubmissionID, d.SectionType, d.PageStart, d.PageEnd)
}
