package changelog

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func open(t *testing.T, dir string) *Changelog {
	t.Helper()
	cl, err := Open(Config{Dir: dir, Suffix: "dc=example,dc=com", SyncWrites: true}, zap.NewNop(), nil)
	require.NoError(t, err)
	return cl
}

func rec(ts uint64, rid uint16) *model.ChangeRecord {
	return &model.ChangeRecord{
		CSN:      csn.CSN{Timestamp: ts, ReplicaID: rid},
		Suffix:   "dc=example,dc=com",
		Op:       model.OpModify,
		TargetDN: "cn=a,dc=example,dc=com",
		UniqueID: "u1",
		Mods:     []model.Mod{{Type: model.ModReplace, Attr: "sn", Values: []string{"x"}}},
	}
}

func drain(cur *Cursor) []csn.CSN {
	var out []csn.CSN
	for {
		r, ok := cur.Next()
		if !ok {
			return out
		}
		out = append(out, r.CSN)
	}
}

func TestAppend_OrderedIteration(t *testing.T) {
	ctx := context.Background()
	cl := open(t, t.TempDir())
	defer cl.Close()

	for _, r := range []*model.ChangeRecord{rec(10, 1), rec(30, 1), rec(20, 2)} {
		require.NoError(t, cl.Append(ctx, r))
	}

	got := drain(cl.IterateFrom(csn.Zero))
	assert.Equal(t, []csn.CSN{{Timestamp: 10, ReplicaID: 1}, {Timestamp: 20, ReplicaID: 2}, {Timestamp: 30, ReplicaID: 1}}, got)

	got = drain(cl.IterateFrom(csn.CSN{Timestamp: 10, ReplicaID: 1}))
	assert.Len(t, got, 2)
}

func TestAppend_DuplicateIgnored(t *testing.T) {
	ctx := context.Background()
	cl := open(t, t.TempDir())
	defer cl.Close()

	require.NoError(t, cl.Append(ctx, rec(10, 1)))
	require.NoError(t, cl.Append(ctx, rec(10, 1)))
	assert.Equal(t, 1, cl.Len())
	assert.True(t, cl.Contains(csn.CSN{Timestamp: 10, ReplicaID: 1}))
}

func TestAppend_Validation(t *testing.T) {
	cl := open(t, t.TempDir())
	defer cl.Close()

	err := cl.Append(context.Background(), &model.ChangeRecord{Op: model.OpAdd})
	assert.True(t, errors.IsValidation(err))

	bad := rec(1, 1)
	bad.Op = "compare"
	assert.True(t, errors.IsValidation(cl.Append(context.Background(), bad)))
}

func TestRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cl := open(t, dir)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, cl.Append(ctx, rec(i, 1)))
	}
	require.NoError(t, cl.Close())

	reopened := open(t, dir)
	defer reopened.Close()
	assert.Equal(t, 5, reopened.Len())
	assert.Equal(t, csn.CSN{Timestamp: 5, ReplicaID: 1}, reopened.RUV()[1])

	require.NoError(t, reopened.Append(ctx, rec(6, 1)))
	assert.Len(t, drain(reopened.IterateFrom(csn.Zero)), 6)
}

func TestRecovery_SegmentRotation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cl, err := Open(Config{Dir: dir, SegmentSize: 200}, zap.NewNop(), nil)
	require.NoError(t, err)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, cl.Append(ctx, rec(i, 1)))
	}
	require.NoError(t, cl.Close())

	files, _ := filepath.Glob(filepath.Join(dir, "changelog-*.log"))
	assert.Greater(t, len(files), 1)

	reopened := open(t, dir)
	defer reopened.Close()
	assert.Equal(t, 10, reopened.Len())
}

func TestRecovery_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cl := open(t, dir)
	require.NoError(t, cl.Append(ctx, rec(1, 1)))
	require.NoError(t, cl.Append(ctx, rec(2, 1)))
	path := cl.segmentPath(cl.segmentID)
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// flip the attribute value inside the first record
	idx := bytes.Index(data, []byte(`"x"`))
	require.GreaterOrEqual(t, idx, 0)
	data[idx+1] = 'y'
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(Config{Dir: dir}, zap.NewNop(), nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCorruptChangelog, errors.GetCode(err))
}

func TestRecovery_TornTailTruncated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cl := open(t, dir)
	require.NoError(t, cl.Append(ctx, rec(1, 1)))
	path := cl.segmentPath(cl.segmentID)
	require.NoError(t, cl.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"crc":123,"rec":{"csn":"0000`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := open(t, dir)
	defer reopened.Close()
	assert.Equal(t, 1, reopened.Len())
}

func TestTrim_RespectsFloor(t *testing.T) {
	ctx := context.Background()
	cl := open(t, t.TempDir())
	defer cl.Close()

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, cl.Append(ctx, rec(i, 1)))
	}

	// slowest peer has acknowledged up to 4
	floor := csn.RUV{1: {Timestamp: 4, ReplicaID: 1}}
	removed, err := cl.Trim(ctx, Policy{MaxEntries: 2}, floor, time.Unix(100, 0))
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.Equal(t, 6, cl.Len())

	first, ok := cl.IterateFrom(csn.Zero).Next()
	require.True(t, ok)
	assert.Equal(t, uint64(5), first.CSN.Timestamp)

	// a peer that never acknowledged anything blocks trimming entirely
	removed, err = cl.Trim(ctx, Policy{MaxEntries: 1}, csn.RUV{}, time.Unix(100, 0))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestTrim_MaxAge(t *testing.T) {
	ctx := context.Background()
	cl := open(t, t.TempDir())
	defer cl.Close()

	now := time.Unix(10*86400, 0)
	require.NoError(t, cl.Append(ctx, rec(uint64(now.Add(-8*24*time.Hour).Unix()), 1)))
	require.NoError(t, cl.Append(ctx, rec(uint64(now.Add(-1*time.Hour).Unix()), 1)))

	floor := cl.RUV()
	removed, err := cl.Trim(ctx, Policy{MaxAge: 7 * 24 * time.Hour}, floor, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, cl.Len())
}

func TestTrim_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cl := open(t, dir)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, cl.Append(ctx, rec(i, 1)))
	}
	_, err := cl.Trim(ctx, Policy{MaxEntries: 2}, cl.RUV(), time.Unix(100, 0))
	require.NoError(t, err)
	require.NoError(t, cl.Append(ctx, rec(6, 1)))
	require.NoError(t, cl.Close())

	reopened := open(t, dir)
	defer reopened.Close()
	assert.Equal(t, 3, reopened.Len())
	assert.Equal(t, csn.CSN{Timestamp: 6, ReplicaID: 1}, reopened.RUV()[1])
	assert.True(t, reopened.Contains(csn.CSN{Timestamp: 1, ReplicaID: 1}), "trimmed CSNs stay covered by the RUV")
}

func TestWriteFailureHaltsSuffix(t *testing.T) {
	ctx := context.Background()
	cl := open(t, t.TempDir())

	require.NoError(t, cl.file.Close())

	err := cl.Append(ctx, rec(1, 1))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeChangelogWrite, errors.GetCode(err))
	assert.Error(t, cl.Halted())

	err = cl.Append(ctx, rec(2, 1))
	assert.Equal(t, errors.ErrCodeSuffixHalted, errors.GetCode(err))
}

func TestConcurrentIterationAndAppend(t *testing.T) {
	ctx := context.Background()
	cl := open(t, t.TempDir())
	defer cl.Close()

	const total = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= total; i++ {
			assert.NoError(t, cl.Append(ctx, rec(i, 1)))
		}
	}()

	cur := cl.IterateFrom(csn.Zero)
	var seen []csn.CSN
	deadline := time.Now().Add(5 * time.Second)
	for len(seen) < total && time.Now().Before(deadline) {
		r, ok := cur.Next()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		seen = append(seen, r.CSN)
	}
	wg.Wait()

	require.Len(t, seen, total)
	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i-1].Less(seen[i]))
	}
}

func TestCursor_StaleAfterOlderAppend(t *testing.T) {
	ctx := context.Background()
	cl := open(t, t.TempDir())
	defer cl.Close()
	require.NoError(t, cl.Append(ctx, rec(10, 1)))
	require.NoError(t, cl.Append(ctx, rec(20, 1)))

	cur := cl.IterateFrom(csn.Zero)
	first, ok := cur.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(10), first.CSN.Timestamp)

	// newer appends keep the cursor valid
	require.NoError(t, cl.Append(ctx, rec(30, 2)))
	second, ok := cur.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(20), second.CSN.Timestamp)
	assert.False(t, cur.Stale())

	// an older one may sort behind it
	require.NoError(t, cl.Append(ctx, rec(5, 3)))
	_, ok = cur.Next()
	assert.False(t, ok)
	assert.True(t, cur.Stale())

	assert.Equal(t, []csn.CSN{
		{Timestamp: 5, ReplicaID: 3},
		{Timestamp: 10, ReplicaID: 1},
		{Timestamp: 20, ReplicaID: 1},
		{Timestamp: 30, ReplicaID: 2},
	}, drain(cl.IterateFrom(csn.Zero)))
}
