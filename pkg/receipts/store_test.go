package receipts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packstream/courier/pkg/coordinator"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, "dashboard", "1.0.0", "abc123", map[string]any{"files": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Empty(t, first.PrevHash)
	assert.NotEmpty(t, first.Hash)

	second, err := s.Append(ctx, "dashboard", "1.1.0", "def456", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	receipts, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "1.1.0", receipts[0].Version, "newest first")
	assert.Equal(t, map[string]any{"files": float64(3)}, receipts[1].Metadata)
}

func TestVerifyChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, version := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		_, err := s.Append(ctx, "dashboard", version, "sum", map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, s.VerifyChain(ctx))
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "dashboard", "1.0.0", "sum", nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "dashboard", "1.1.0", "sum", nil)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE install_receipts SET version = '9.9.9' WHERE seq = 1`)
	require.NoError(t, err)

	err = s.VerifyChain(ctx)
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, int64(1), chainErr.Seq)
}

func TestVerifyChainDetectsDeletedRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, version := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		_, err := s.Append(ctx, "dashboard", version, "sum", nil)
		require.NoError(t, err)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM install_receipts WHERE seq = 2`)
	require.NoError(t, err)

	err = s.VerifyChain(ctx)
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, "sequence gap", chainErr.Reason)
}

func TestSaveAndListDownloads(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := coordinator.Record{
		ModuleID:        "dashboard",
		AttemptID:       "attempt-1",
		StartedAt:       now.Add(-5 * time.Second),
		FinishedAt:      now,
		Success:         true,
		EndReason:       coordinator.ReasonSuccess,
		BytesDownloaded: 1024,
		ExpectedBytes:   1024,
	}
	require.NoError(t, s.SaveDownload(ctx, rec))

	records, err := s.Downloads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.AttemptID, records[0].AttemptID)
	assert.True(t, records[0].Success)
	assert.Equal(t, coordinator.ReasonSuccess, records[0].EndReason)
	assert.True(t, rec.FinishedAt.Equal(records[0].FinishedAt))
}
