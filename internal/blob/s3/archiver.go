package s3blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
)

// ExecutionArchiveStore is the part of the execution store the archiver
// needs.
type ExecutionArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// OpportunityArchiveStore is the part of the opportunity store the archiver
// needs.
type OpportunityArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver implements domain.Archiver. Records older than the cutoff are
// written to one gzipped JSONL object per kind and run, then removed from the
// primary store. Nothing is deleted unless the upload succeeded.
type Archiver struct {
	writer        domain.BlobWriter
	executions    ExecutionArchiveStore
	opportunities OpportunityArchiveStore
	audit         domain.AuditStore
	logger        *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	executions ExecutionArchiveStore,
	opportunities OpportunityArchiveStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:        writer,
		executions:    executions,
		opportunities: opportunities,
		audit:         audit,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveExecutions moves executions started before the cutoff to
// archive/executions/.
func (a *Archiver) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	execs, err := a.executions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	return archive(ctx, a, "executions", before, execs, a.executions.DeleteBefore)
}

// ArchiveOpportunities moves opportunities detected before the cutoff to
// archive/opportunities/.
func (a *Archiver) ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error) {
	opps, err := a.opportunities.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities query: %w", err)
	}
	return archive(ctx, a, "opportunities", before, opps, a.opportunities.DeleteBefore)
}

func archive[T any](
	ctx context.Context,
	a *Archiver,
	kind string,
	before time.Time,
	records []T,
	deleteBefore func(context.Context, time.Time) (int64, error),
) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	body, err := encodeJSONLGzip(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s encode: %w", kind, err)
	}

	path := archivePath(kind, before)
	err = a.writer.Put(ctx, domain.ArchiveObject{
		Key:             path,
		Body:            bytes.NewReader(body),
		ContentType:     "application/x-ndjson",
		ContentEncoding: "gzip",
		Records:         len(records),
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	deleted, err := deleteBefore(ctx, before)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive %s delete: %w", kind, err)
	}
	if deleted != count {
		a.logger.Warn("archived and deleted counts differ",
			slog.String("kind", kind),
			slog.Int64("archived", count),
			slog.Int64("deleted", deleted),
		)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	a.logger.Info("archived", slog.String("kind", kind), slog.String("path", path), slog.Int64("count", count))
	return count, nil
}

// Run archives everything older than retention every interval until ctx is
// cancelled.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cutoff := now.UTC().Add(-retention)
			if _, err := a.ArchiveExecutions(ctx, cutoff); err != nil {
				a.logger.Error("archive executions failed", slog.String("error", err.Error()))
			}
			if _, err := a.ArchiveOpportunities(ctx, cutoff); err != nil {
				a.logger.Error("archive opportunities failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archivePath builds the object key for one archive run, e.g.
// archive/executions/2026-01-31T000000Z.jsonl.gz.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl.gz", kind, before.UTC().Format("2006-01-02T150405Z"))
}

// encodeJSONLGzip writes records as gzip-compressed newline-delimited JSON.
func encodeJSONLGzip[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
