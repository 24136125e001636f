package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// Archives larger than this go through the multipart uploader.
	multipartThreshold = 8 * 1024 * 1024
	pageSize           = 1000
)

var _ domain.Archiver = (*TradeArchiver)(nil)

// ObjectChecker confirms an upload landed before local rows are deleted.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// TradeArchiver moves closed trades older than a cutoff into the bucket as
// one JSONL object, then deletes them from the journal.
type TradeArchiver struct {
	writer   domain.BlobWriter
	checker  ObjectChecker
	trades   domain.TradeStore
	audit    domain.AuditStore
	instance string
	logger   *slog.Logger
}

// NewTradeArchiver creates a TradeArchiver. checker and audit may be nil.
func NewTradeArchiver(
	writer domain.BlobWriter,
	checker ObjectChecker,
	trades domain.TradeStore,
	audit domain.AuditStore,
	instance string,
	logger *slog.Logger,
) *TradeArchiver {
	return &TradeArchiver{
		writer:   writer,
		checker:  checker,
		trades:   trades,
		audit:    audit,
		instance: instance,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades uploads every trade that exited before the cutoff and then
// removes those rows. Nothing is deleted unless the upload is confirmed.
func (a *TradeArchiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	var trades []domain.Trade
	until := before
	for offset := 0; ; offset += pageSize {
		page, err := a.trades.List(ctx, domain.ListOpts{Until: &until, Limit: pageSize, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
		}
		trades = append(trades, page...)
		if len(page) < pageSize {
			break
		}
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath(a.instance, before)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), multipartThreshold)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	if a.checker != nil {
		ok, err := a.checker.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive trades verify: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("s3blob: archive trades verify: %s missing after upload", path)
		}
	}

	deleted, err := a.trades.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades delete: %w", err)
	}
	count := int64(len(trades))
	if deleted != count {
		a.logger.WarnContext(ctx, "archived and deleted trade counts differ",
			slog.Int64("archived", count),
			slog.Int64("deleted", deleted),
		)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.trades", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			a.logger.WarnContext(ctx, "audit archive failed", slog.String("error", err.Error()))
		}
	}
	a.logger.InfoContext(ctx, "trades archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int("bytes", len(buf)),
	)
	return count, nil
}

// archivePath builds the object key, partitioned by month of the cutoff:
//
//	archive/trades/2026-03/default-20260302T000000Z.jsonl
func archivePath(instance string, before time.Time) string {
	if instance == "" {
		instance = "default"
	}
	b := before.UTC()
	return fmt.Sprintf("archive/trades/%s/%s-%s.jsonl", b.Format("2006-01"), instance, b.Format("20060102T150405Z"))
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
