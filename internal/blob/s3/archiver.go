package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/akilibots/akili-martingale/internal/domain"
)

// Archiver implements domain.Archiver: when a position closes it uploads one
// JSON document holding the terminal state and every fill that built the
// position.
type Archiver struct {
	client   *Client
	uploader *manager.Uploader
	prefix   string

	now func() time.Time
}

// NewArchiver creates an Archiver writing under the given key prefix
// ("positions" yields positions/<market>/<timestamp>.json).
func NewArchiver(c *Client, prefix string) *Archiver {
	return &Archiver{
		client:   c,
		uploader: manager.NewUploader(c.s3),
		prefix:   prefix,
		now:      time.Now,
	}
}

// archiveDoc is the uploaded document shape.
type archiveDoc struct {
	Market     string                `json:"market"`
	Direction  domain.Direction      `json:"direction"`
	State      *domain.PositionState `json:"state"`
	Fills      []domain.Fill         `json:"fills"`
	ArchivedAt time.Time             `json:"archived_at"`
}

// ArchiveClose uploads the terminal record. Keys embed a UTC timestamp so
// successive runs on the same market never collide.
func (a *Archiver) ArchiveClose(ctx context.Context, state *domain.PositionState, fills []domain.Fill) error {
	ts := a.now().UTC()
	doc := archiveDoc{
		Market:     state.Market,
		Direction:  state.Direction,
		State:      state,
		Fills:      fills,
		ArchivedAt: ts,
	}

	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("s3blob: marshal archive: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, state.Market, ts.Format("20060102T150405Z"))
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.client.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3blob: upload archive %s: %w", key, err)
	}
	return nil
}
