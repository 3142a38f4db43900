package store

import (
	"context"
	"testing"

	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/ldaputil"
	"github.com/clayne/389-ds-base/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newEntry(dn, uid string, ts uint64) *model.Entry {
	return model.NewEntry(dn, uid, []model.Attr{
		{Name: "objectclass", Values: []string{"top", "person"}},
	}, csn.CSN{Timestamp: ts, ReplicaID: 1})
}

func TestMemoryStore_ApplyAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop())

	require.NoError(t, s.Apply(ctx, newEntry("cn=A,dc=x", "u1", 1)))

	got, err := s.Get(ctx, "CN=a,DC=X")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UniqueID)

	ok, err := s.Exists(ctx, "cn=a,dc=x")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, "cn=missing,dc=x")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.Apply(ctx, newEntry("cn=a,dc=x", "u2", 2)), "DN held by another entry")
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop())
	require.NoError(t, s.Apply(ctx, newEntry("cn=a,dc=x", "u1", 1)))

	got, err := s.Get(ctx, "cn=a,dc=x")
	require.NoError(t, err)
	got.AddValues("sn", []string{"changed"}, csn.CSN{Timestamp: 2})

	again, err := s.GetByUniqueID(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, again.Get("sn"))
}

func TestMemoryStore_TombstoneFreesDN(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop())

	e := newEntry("cn=a,dc=x", "u1", 1)
	require.NoError(t, s.Apply(ctx, e))
	e.MakeTombstone(csn.CSN{Timestamp: 2, ReplicaID: 1})
	require.NoError(t, s.Apply(ctx, e))

	ok, err := s.Exists(ctx, "cn=a,dc=x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Apply(ctx, newEntry("cn=a,dc=x", "u2", 3)))
	ts, err := s.GetByUniqueID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ts.Tombstone)
}

func TestMemoryStore_RenameReindexes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop())

	e := newEntry("cn=a,dc=x", "u1", 1)
	require.NoError(t, s.Apply(ctx, e))
	e.DN = "cn=b,dc=x"
	require.NoError(t, s.Apply(ctx, e))

	old, _ := s.Exists(ctx, "cn=a,dc=x")
	renamed, _ := s.Exists(ctx, "cn=b,dc=x")
	assert.False(t, old)
	assert.True(t, renamed)
}

func TestMemoryStore_SearchLogsInternalSearch(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.InfoLevel)
	s := NewMemoryStore(zap.New(core))

	star := newEntry("cn=a*b,dc=x", "u1", 1)
	star.MakeTombstone(csn.CSN{Timestamp: 2, ReplicaID: 1})
	require.NoError(t, s.Apply(ctx, star))

	other := newEntry("cn=aXXb,dc=x", "u2", 1)
	other.MakeTombstone(csn.CSN{Timestamp: 2, ReplicaID: 1})
	require.NoError(t, s.Apply(ctx, other))

	found, err := s.Search(ctx, "dc=x", ldaputil.TombstoneFilter("cn=a*b,dc=x"))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "u1", found[0].UniqueID)

	searches := logs.FilterMessage("Internal SRCH").All()
	require.Len(t, searches, 1)
	assert.Equal(t, "access", searches[0].LoggerName)
	filter := searches[0].ContextMap()["filter"].(string)
	assert.Contains(t, filter, `\2a`)
	assert.NotContains(t, filter, "*")
}

func TestMemoryStore_ForEachAndRemove(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop())
	require.NoError(t, s.Apply(ctx, newEntry("cn=a,dc=x", "u1", 1)))
	require.NoError(t, s.Apply(ctx, newEntry("cn=b,dc=x", "u2", 1)))

	var seen []string
	require.NoError(t, s.ForEach(ctx, func(e *model.Entry) error {
		seen = append(seen, e.UniqueID)
		return nil
	}))
	assert.Equal(t, []string{"u1", "u2"}, seen)

	require.NoError(t, s.Remove(ctx, "u1"))
	assert.ErrorIs(t, s.Remove(ctx, "u1"), ErrNotFound)
	assert.Equal(t, 1, s.Len())
}

func TestFileStateStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStateStore(t.TempDir())
	require.NoError(t, err)

	var ruv csn.RUV
	found, err := s.Load(ctx, "peer/ruv:1", &ruv)
	require.NoError(t, err)
	assert.False(t, found)

	want := csn.RUV{1: {Timestamp: 10, ReplicaID: 1}}
	require.NoError(t, s.Save(ctx, "peer/ruv:1", want))

	found, err = s.Load(ctx, "peer/ruv:1", &ruv)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, ruv)
}

func TestPrefixedStateStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStateStore(t.TempDir())
	require.NoError(t, err)

	a := Prefixed(s, "dc-a.")
	b := Prefixed(s, "dc-b.")
	require.NoError(t, a.Save(ctx, "csngen-1", csn.CSN{Timestamp: 10, ReplicaID: 1}))

	var got csn.CSN
	found, err := b.Load(ctx, "csngen-1", &got)
	require.NoError(t, err)
	assert.False(t, found, "suffixes do not see each other's state")

	found, err = s.Load(ctx, "dc-a.csngen-1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(10), got.Timestamp)

	assert.Same(t, s, Prefixed(s, ""))
}
