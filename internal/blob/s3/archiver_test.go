package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.objects[path] = b
	w.types[path] = contentType
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "multipart")
}

func (w *memWriter) Exists(_ context.Context, path string) (bool, error) {
	_, ok := w.objects[path]
	return ok, nil
}

type memTrades struct{ trades []domain.Trade }

func (m *memTrades) Insert(_ context.Context, t domain.Trade) error {
	m.trades = append(m.trades, t)
	return nil
}

func (m *memTrades) List(_ context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range m.trades {
		if opts.Until != nil && !t.ExitTime.Before(*opts.Until) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTime.After(out[j].ExitTime) })
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memTrades) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	var keep []domain.Trade
	var n int64
	for _, t := range m.trades {
		if t.ExitTime.Before(before) {
			n++
			continue
		}
		keep = append(keep, t)
	}
	m.trades = keep
	return n, nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type missingChecker struct{}

func (missingChecker) Exists(context.Context, string) (bool, error) { return false, nil }

func seedTrades(base time.Time) *memTrades {
	m := &memTrades{}
	for i := 0; i < 3; i++ {
		m.trades = append(m.trades, domain.Trade{
			ID:          []string{"old-1", "old-2", "new-1"}[i],
			Symbol:      "AAPL",
			ExitTime:    base.Add(time.Duration(i*36) * time.Hour),
			RealizedPnL: decimal.NewFromInt(int64(10 * (i + 1))),
		})
	}
	return m
}

func TestArchiveTradesUploadsThenDeletes(t *testing.T) {
	base := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	trades := seedTrades(base)
	w := newMemWriter()
	audit := &memAudit{}
	a := NewTradeArchiver(w, w, trades, audit, "paper-1", slog.Default())

	cutoff := base.Add(48 * time.Hour)
	n, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	path := "archive/trades/2026-03/paper-1-20260303T150000Z.jsonl"
	require.Contains(t, w.objects, path)
	assert.Equal(t, jsonlContentType, w.types[path])

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(w.objects[path]))
	for sc.Scan() {
		var tr domain.Trade
		require.NoError(t, json.Unmarshal(sc.Bytes(), &tr))
		ids = append(ids, tr.ID)
	}
	assert.ElementsMatch(t, []string{"old-1", "old-2"}, ids)

	require.Len(t, trades.trades, 1)
	assert.Equal(t, "new-1", trades.trades[0].ID)
	assert.Equal(t, []string{"archive.trades"}, audit.events)
}

func TestArchiveTradesNothingToDo(t *testing.T) {
	w := newMemWriter()
	a := NewTradeArchiver(w, w, &memTrades{}, nil, "", slog.Default())
	n, err := a.ArchiveTrades(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestArchiveTradesKeepsRowsOnFailure(t *testing.T) {
	base := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	cutoff := base.Add(48 * time.Hour)

	t.Run("upload error", func(t *testing.T) {
		trades := seedTrades(base)
		w := newMemWriter()
		w.err = errors.New("bucket unavailable")
		a := NewTradeArchiver(w, w, trades, nil, "x", slog.Default())
		_, err := a.ArchiveTrades(context.Background(), cutoff)
		require.Error(t, err)
		assert.Len(t, trades.trades, 3)
	})

	t.Run("object missing after upload", func(t *testing.T) {
		trades := seedTrades(base)
		a := NewTradeArchiver(newMemWriter(), missingChecker{}, trades, nil, "x", slog.Default())
		_, err := a.ArchiveTrades(context.Background(), cutoff)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing after upload")
		assert.Len(t, trades.trades, 3)
	})
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
