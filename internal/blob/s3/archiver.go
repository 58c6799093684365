package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rose-token/vaultd/internal/domain"
)

// RedemptionArchiveStore is the slice of the redemption store the archiver
// needs: settled and cancelled requests older than a cutoff.
type RedemptionArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.RedemptionRequest, error)
}

// Archiver serializes settled redemption requests and basket snapshots to
// JSONL and uploads them to blob storage. Deleting archived rows from the
// primary store is intentionally not done here; that is a separate, explicit
// step to run after the archive has been verified.
type Archiver struct {
	writer      domain.BlobWriter
	redemptions RedemptionArchiveStore
	audit       domain.AuditStore
}

// NewArchiver creates a new Archiver.
func NewArchiver(writer domain.BlobWriter, redemptions RedemptionArchiveStore, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:      writer,
		redemptions: redemptions,
		audit:       audit,
	}
}

// ArchiveRedemptions uploads all terminal redemption requests created before
// the cutoff as a JSONL object. It returns the number of archived records and
// the object key; zero records means no object was written.
func (a *Archiver) ArchiveRedemptions(ctx context.Context, before time.Time) (int, string, error) {
	reqs, err := a.redemptions.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, "", fmt.Errorf("s3blob: list terminal redemptions: %w", err)
	}
	if len(reqs) == 0 {
		return 0, "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, req := range reqs {
		if err := enc.Encode(req); err != nil {
			return 0, "", fmt.Errorf("s3blob: encode redemption %d: %w", req.ID, err)
		}
	}

	key := archiveKey("redemptions", before)
	if err := a.writer.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return 0, "", fmt.Errorf("s3blob: upload redemption archive: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.redemptions", map[string]any{
		"key":    key,
		"count":  len(reqs),
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return len(reqs), key, fmt.Errorf("s3blob: audit redemption archive: %w", err)
	}

	return len(reqs), key, nil
}

// ArchiveSnapshot uploads a single basket snapshot, keyed by its TakenAt
// timestamp, so valuation history survives cache expiry.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, snap domain.BasketSnapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("s3blob: encode snapshot: %w", err)
	}

	key := fmt.Sprintf("snapshots/%s.json", snap.TakenAt.UTC().Format("2006-01-02T15-04-05"))
	if err := a.writer.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: upload snapshot: %w", err)
	}
	return key, nil
}

func archiveKey(kind string, before time.Time) string {
	return fmt.Sprintf("%s/%s-%d.jsonl", kind, before.UTC().Format("2006-01-02"), time.Now().UnixMilli())
}
