package urp

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/model"
	"github.com/clayne/389-ds-base/internal/store"
)

const suffix = "dc=example,dc=com"

func c(ts uint64, rid uint16) csn.CSN {
	return csn.CSN{Timestamp: ts, ReplicaID: rid}
}

func newResolver(t *testing.T) (*Resolver, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(zap.NewNop())
	return NewResolver(st, suffix, zap.NewNop(), nil), st
}

func addRec(at csn.CSN, dn, uid string) *model.ChangeRecord {
	return &model.ChangeRecord{
		CSN: at, Suffix: suffix, Op: model.OpAdd, TargetDN: dn, UniqueID: uid,
		Attrs: []model.Attr{
			{Name: "objectclass", Values: []string{"top", "person"}},
			{Name: "cn", Values: []string{"x"}},
			{Name: "sn", Values: []string{"x"}},
		},
	}
}

func delRec(at csn.CSN, dn, uid string) *model.ChangeRecord {
	return &model.ChangeRecord{CSN: at, Suffix: suffix, Op: model.OpDelete, TargetDN: dn, UniqueID: uid}
}

func modRec(at csn.CSN, dn, uid string, mods ...model.Mod) *model.ChangeRecord {
	return &model.ChangeRecord{CSN: at, Suffix: suffix, Op: model.OpModify, TargetDN: dn, UniqueID: uid, Mods: mods}
}

func renameRec(at csn.CSN, dn, uid, newRDN string, delOld bool) *model.ChangeRecord {
	return &model.ChangeRecord{
		CSN: at, Suffix: suffix, Op: model.OpModRDN, TargetDN: dn, UniqueID: uid,
		NewRDN: newRDN, DeleteOldRDN: delOld,
	}
}

type snapshot struct {
	DN        string
	Tombstone bool
	Values    map[string][]string
}

func dump(t *testing.T, st store.EntryStore) map[string]snapshot {
	t.Helper()
	out := make(map[string]snapshot)
	require.NoError(t, st.ForEach(context.Background(), func(e *model.Entry) error {
		out[e.UniqueID] = snapshot{DN: e.DN, Tombstone: e.Tombstone, Values: e.Visible()}
		return nil
	}))
	return out
}

// applyInOrders resolves prefix on two stores, then recs in the given order on
// one and in reverse on the other, and checks both converge.
func applyInOrders(t *testing.T, prefix []*model.ChangeRecord, recs ...*model.ChangeRecord) map[string]snapshot {
	t.Helper()
	ctx := context.Background()
	fwd, fwdStore := newResolver(t)
	rev, revStore := newResolver(t)
	for _, rec := range prefix {
		_, err := fwd.Resolve(ctx, rec)
		require.NoError(t, err)
		_, err = rev.Resolve(ctx, rec)
		require.NoError(t, err)
	}
	for _, rec := range recs {
		_, err := fwd.Resolve(ctx, rec)
		require.NoError(t, err)
	}
	for i := len(recs) - 1; i >= 0; i-- {
		_, err := rev.Resolve(ctx, recs[i])
		require.NoError(t, err)
	}
	a, b := dump(t, fwdStore), dump(t, revStore)
	require.Equal(t, a, b)
	return a
}

func TestAdd_CreatesAndIgnoresDuplicate(t *testing.T) {
	ctx := context.Background()
	r, st := newResolver(t)

	res, err := r.Resolve(ctx, addRec(c(10, 1), "cn=x,"+suffix, "u1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	res, err = r.Resolve(ctx, addRec(c(10, 1), "cn=x,"+suffix, "u1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	e, err := st.Get(ctx, "CN=X,"+suffix)
	require.NoError(t, err)
	assert.Equal(t, []string{"top", "person"}, e.Get("objectclass"))
}

func TestDeleteBeforeAdd_AddAbsorbed(t *testing.T) {
	ctx := context.Background()
	r, st := newResolver(t)
	dn := "cn=x," + suffix

	res, err := r.Resolve(ctx, delRec(c(20, 2), dn, "u1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = r.Resolve(ctx, addRec(c(10, 1), dn, "u1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbsorbed, res.Outcome)

	exists, err := st.Exists(ctx, dn)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAddDelete_Converges(t *testing.T) {
	dn := "cn=x," + suffix
	got := applyInOrders(t, nil, addRec(c(10, 1), dn, "u1"), delRec(c(20, 2), dn, "u1"))
	require.Contains(t, got, "u1")
	assert.True(t, got["u1"].Tombstone)
}

func TestDoubleDelete(t *testing.T) {
	ctx := context.Background()
	r, st := newResolver(t)
	dn := "cn=x," + suffix

	_, err := r.Resolve(ctx, addRec(c(10, 1), dn, "u1"))
	require.NoError(t, err)
	res, err := r.Resolve(ctx, delRec(c(20, 1), dn, "u1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	res, err = r.Resolve(ctx, delRec(c(21, 2), dn, "u1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	e, err := st.GetByUniqueID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, e.Tombstone)
	assert.Equal(t, c(21, 2), e.DeleteCSN)

	// delete without a known nsuniqueid on a missing DN is a no-op
	res, err = r.Resolve(ctx, delRec(c(22, 2), "cn=nobody,"+suffix, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestDeleteWinsOverModify(t *testing.T) {
	dn := "cn=x," + suffix
	mod := modRec(c(30, 2), dn, "u1", model.Mod{Type: model.ModReplace, Attr: "sn", Values: []string{"y"}})

	got := applyInOrders(t, nil, addRec(c(10, 1), dn, "u1"), delRec(c(20, 1), dn, "u1"), mod)
	assert.True(t, got["u1"].Tombstone)
	assert.Equal(t, []string{"x"}, got["u1"].Values["sn"])
}

func TestModify_LastCSNWins(t *testing.T) {
	ctx := context.Background()
	dn := "cn=x," + suffix
	add := addRec(c(10, 1), dn, "u1")
	m1 := modRec(c(20, 1), dn, "u1", model.Mod{Type: model.ModReplace, Attr: "sn", Values: []string{"one"}})
	m2 := modRec(c(20, 2), dn, "u1", model.Mod{Type: model.ModReplace, Attr: "sn", Values: []string{"two"}})
	m3 := modRec(c(25, 1), dn, "u1", model.Mod{Type: model.ModAdd, Attr: "mail", Values: []string{"x@example.com"}})

	a, sa := newResolver(t)
	b, sb := newResolver(t)
	for _, rec := range []*model.ChangeRecord{add, m1, m2, m3} {
		_, err := a.Resolve(ctx, rec)
		require.NoError(t, err)
	}
	for _, rec := range []*model.ChangeRecord{add, m3, m2, m1} {
		_, err := b.Resolve(ctx, rec)
		require.NoError(t, err)
	}
	got := dump(t, sa)
	assert.Equal(t, got, dump(t, sb))
	assert.Equal(t, []string{"two"}, got["u1"].Values["sn"])
	assert.Equal(t, []string{"x@example.com"}, got["u1"].Values["mail"])

	// modify of a missing entry is dropped
	res, err := a.Resolve(ctx, modRec(c(30, 1), "cn=none,"+suffix, "u9"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestNamingConflict_NewerLoses(t *testing.T) {
	dn := "cn=x," + suffix
	got := applyInOrders(t, nil, addRec(c(10, 1), dn, "u1"), addRec(c(11, 2), dn, "u2"))

	assert.Equal(t, dn, got["u1"].DN)
	assert.Equal(t, "nsuniqueid=u2+cn=x,"+suffix, got["u2"].DN)
	assert.Equal(t, []string{"namingConflict " + dn}, got["u2"].Values["nsds5replconflict"])
	assert.Empty(t, got["u1"].Values["nsds5replconflict"])
}

func TestNamingConflict_SameCSNWarns(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	st := store.NewMemoryStore(zap.NewNop())
	r := NewResolver(st, suffix, zap.New(core), nil)
	dn := "cn=x," + suffix

	_, err := r.Resolve(ctx, addRec(c(10, 1), dn, "u1"))
	require.NoError(t, err)
	res, err := r.Resolve(ctx, addRec(c(10, 1), dn, "u2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.Equal(t, 1, logs.FilterMessageSnippet("same CSN").Len())

	// the larger nsuniqueid loses
	e, err := st.GetByUniqueID(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "nsuniqueid=u2+cn=x,"+suffix, e.DN)
}

func TestModRDN_DeleteOldRDN(t *testing.T) {
	ctx := context.Background()
	dn := "cn=x," + suffix

	for _, delOld := range []bool{false, true} {
		t.Run(fmt.Sprintf("deleteoldrdn=%v", delOld), func(t *testing.T) {
			r, st := newResolver(t)
			_, err := r.Resolve(ctx, addRec(c(10, 1), dn, "u1"))
			require.NoError(t, err)

			res, err := r.Resolve(ctx, renameRec(c(20, 1), dn, "u1", "cn=y", delOld))
			require.NoError(t, err)
			assert.Equal(t, OutcomeApplied, res.Outcome)
			assert.Equal(t, "cn=y,"+suffix, res.DN)

			e, err := st.Get(ctx, "cn=y,"+suffix)
			require.NoError(t, err)
			assert.True(t, e.Has("cn", "y"))
			assert.Equal(t, !delOld, e.Has("cn", "x"))

			exists, err := st.Exists(ctx, dn)
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestModRDN_ConcurrentRenamesConverge(t *testing.T) {
	dn := "cn=x," + suffix
	got := applyInOrders(t,
		[]*model.ChangeRecord{addRec(c(10, 1), dn, "u1")},
		renameRec(c(20, 1), dn, "u1", "cn=y", true),
		renameRec(c(30, 2), "cn=y,"+suffix, "u1", "cn=z", true),
	)
	assert.Equal(t, "cn=z,"+suffix, got["u1"].DN)
	assert.Equal(t, []string{"z"}, got["u1"].Values["cn"])
}

func TestModRDN_OntoOccupiedDN(t *testing.T) {
	got := applyInOrders(t,
		[]*model.ChangeRecord{addRec(c(10, 1), "cn=x,"+suffix, "u1"), addRec(c(11, 1), "cn=y,"+suffix, "u2")},
		renameRec(c(20, 2), "cn=x,"+suffix, "u1", "cn=y", false),
	)
	assert.Equal(t, "cn=y,"+suffix, got["u2"].DN)
	assert.Equal(t, "nsuniqueid=u1+cn=y,"+suffix, got["u1"].DN)
}

func TestModRDN_OnTombstoneIgnored(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)
	dn := "cn=x," + suffix

	_, err := r.Resolve(ctx, addRec(c(10, 1), dn, "u1"))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, delRec(c(20, 1), dn, "u1"))
	require.NoError(t, err)
	res, err := r.Resolve(ctx, renameRec(c(30, 2), dn, "u1", "cn=y", true))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestDeleteByDN_MatchesTombstone(t *testing.T) {
	ctx := context.Background()
	r, st := newResolver(t)
	dn := "cn=x," + suffix

	_, err := r.Resolve(ctx, addRec(c(10, 1), dn, "u1"))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, delRec(c(20, 1), dn, "u1"))
	require.NoError(t, err)

	// a supplier that only knows the DN deletes the entry again
	res, err := r.Resolve(ctx, delRec(c(25, 2), dn, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	e, err := st.GetByUniqueID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, c(25, 2), e.DeleteCSN)

	res, err = r.Resolve(ctx, modRec(c(26, 2), dn, "", model.Mod{Type: model.ModReplace, Attr: "sn", Values: []string{"y"}}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	e, err = st.GetByUniqueID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, e.Tombstone)
	assert.Equal(t, []string{"x"}, e.Get("sn"))
}

func TestDeleteByDN_WildcardIsLiteral(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.InfoLevel)
	st := store.NewMemoryStore(zap.New(core))
	r := NewResolver(st, suffix, zap.NewNop(), nil)

	// a tombstone whose DN the unescaped filter would match
	_, err := r.Resolve(ctx, addRec(c(10, 1), "cn=aXXb,"+suffix, "u1"))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, delRec(c(11, 1), "cn=aXXb,"+suffix, "u1"))
	require.NoError(t, err)

	res, err := r.Resolve(ctx, delRec(c(12, 2), "cn=a*b,"+suffix, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, "cn=a*b,"+suffix, res.DN)

	e, err := st.GetByUniqueID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, c(11, 1), e.DeleteCSN, "tombstone of cn=aXXb must not be touched")

	searches := logs.FilterMessage("Internal SRCH").All()
	require.Len(t, searches, 1)
	last := searches[0].ContextMap()
	assert.Contains(t, last["filter"], `cn=a\2ab`)
	assert.EqualValues(t, 0, last["nentries"])
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	r, st := newResolver(t)

	_, err := r.Resolve(ctx, addRec(c(10, 1), "cn=gone,"+suffix, "u1"))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, delRec(c(20, 1), "cn=gone,"+suffix, "u1"))
	require.NoError(t, err)

	dn := "cn=many," + suffix
	add := addRec(c(10, 1), dn, "u2")
	var values []string
	for i := 0; i < 10; i++ {
		values = append(values, fmt.Sprintf("test%d", i))
	}
	add.Attrs = append(add.Attrs, model.Attr{Name: "description", Values: values})
	_, err = r.Resolve(ctx, add)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, modRec(c(30, 1), dn, "u2",
		model.Mod{Type: model.ModDelete, Attr: "description", Values: []string{"test0", "test4", "test7", "test9"}}))
	require.NoError(t, err)

	want := []string{"test1", "test2", "test3", "test5", "test6", "test8"}
	e, _ := st.GetByUniqueID(ctx, "u2")
	assert.Equal(t, want, e.Get("description"))

	// nothing is old enough yet
	stats, err := r.Purge(ctx, c(15, 1))
	require.NoError(t, err)
	assert.Zero(t, stats.Tombstones)
	assert.Zero(t, stats.Values)

	stats, err = r.Purge(ctx, c(40, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Tombstones)
	assert.Equal(t, 4, stats.Values)

	_, err = st.GetByUniqueID(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	e, _ = st.GetByUniqueID(ctx, "u2")
	assert.Equal(t, want, e.Get("description"))
	assert.Len(t, e.Attr("description").Values, 6)
}

func TestConcurrentResolveDifferentEntries(t *testing.T) {
	ctx := context.Background()
	r, st := newResolver(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dn := fmt.Sprintf("cn=user%d,%s", i, suffix)
			uid := fmt.Sprintf("u%d", i)
			_, err := r.Resolve(ctx, addRec(c(10, uint16(i+1)), dn, uid))
			assert.NoError(t, err)
			for j := 0; j < 20; j++ {
				_, err := r.Resolve(ctx, modRec(c(uint64(11+j), uint16(i+1)), dn, uid,
					model.Mod{Type: model.ModReplace, Attr: "sn", Values: []string{fmt.Sprint(j)}}))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, st.Len())
	e, err := st.GetByUniqueID(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, []string{"19"}, e.Get("sn"))
}
