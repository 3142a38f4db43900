package replica

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clayne/389-ds-base/internal/agreement"
	"github.com/clayne/389-ds-base/internal/changelog"
	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/ldaputil"
	"github.com/clayne/389-ds-base/internal/model"
	"github.com/clayne/389-ds-base/internal/shipper"
	"github.com/clayne/389-ds-base/internal/store"
)

const suffix = "dc=example,dc=com"

type options struct {
	logger *zap.Logger
	clock  func() time.Time
	dial   shipper.Dialer
	state  store.StateStore
	store  store.EntryStore
	dir    string
	suffix string
}

func newReplica(t *testing.T, rid uint16, o options) *Replica {
	t.Helper()
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.dir == "" {
		o.dir = t.TempDir()
	}
	if o.store == nil {
		o.store = store.NewMemoryStore(o.logger)
	}
	if o.suffix == "" {
		o.suffix = suffix
	}

	cl, err := changelog.Open(changelog.Config{Dir: o.dir, Suffix: o.suffix}, o.logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	registry, err := agreement.NewRegistry("", agreement.DefaultSettings(rid, o.suffix), o.logger)
	require.NoError(t, err)

	genOpts := []csn.Option{csn.WithClock(o.clock)}
	if o.state != nil {
		genOpts = append(genOpts, csn.WithWatermarkStore(o.state, fmt.Sprintf("csngen-%d", rid)))
	}

	r, err := New(Config{Shipper: shipper.Config{IdleInterval: 20 * time.Millisecond}}, Deps{
		Generator: csn.NewGenerator(rid, genOpts...),
		Changelog: cl,
		Store:     o.store,
		Registry:  registry,
		State:     o.state,
		Dial:      o.dial,
	}, o.logger, nil, WithClock(o.clock))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	return r
}

// replicate ships every change of from that to has not seen, the way an update
// shipper would.
func replicate(t *testing.T, from, to *Replica) {
	t.Helper()
	_, err := to.Receive(context.Background(), &model.ShipRequest{
		Suffix:  suffix,
		Sender:  from.gen.ReplicaID(),
		Records: collect(from),
	})
	require.NoError(t, err)
}

// syncAll ships in both directions between every pair until nothing moves.
func syncAll(t *testing.T, replicas ...*Replica) {
	t.Helper()
	for round := 0; round < 2; round++ {
		for _, a := range replicas {
			for _, b := range replicas {
				if a != b {
					replicate(t, a, b)
				}
			}
		}
	}
}

func snapshot(t *testing.T, r *Replica) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := r.store.ForEach(context.Background(), func(e *model.Entry) error {
		dn, _ := ldaputil.Normalize(e.DN)
		var b strings.Builder
		fmt.Fprintf(&b, "dn=%s tombstone=%v", dn, e.Tombstone)
		if e.Tombstone {
			// tombstone content depends on what reached the entry before the delete
			out[e.UniqueID] = b.String()
			return nil
		}
		vis := e.Visible()
		for _, name := range e.AttrNames() {
			vals := append([]string(nil), vis[name]...)
			sort.Strings(vals)
			fmt.Fprintf(&b, " %s=%v", name, vals)
		}
		out[e.UniqueID] = b.String()
		return nil
	})
	require.NoError(t, err)
	return out
}

func requireConverged(t *testing.T, replicas ...*Replica) {
	t.Helper()
	want := snapshot(t, replicas[0])
	for _, r := range replicas[1:] {
		require.Equal(t, want, snapshot(t, r), "replica %d diverged", r.gen.ReplicaID())
		require.Equal(t, replicas[0].changelog.RUV(), r.changelog.RUV())
	}
}

func dn(rdn string) string { return rdn + "," + suffix }

func person(cn string) []model.Attr {
	return []model.Attr{
		{Name: "objectClass", Values: []string{"top", "person"}},
		{Name: "cn", Values: []string{cn}},
		{Name: "sn", Values: []string{cn}},
	}
}

func TestLocalOperations(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t, 1, options{})

	uid, err := r.Add(ctx, dn("cn=alice"), person("alice"))
	require.NoError(t, err)
	assert.NotEmpty(t, uid)

	_, err = r.Add(ctx, dn("CN=Alice"), person("alice"))
	assert.Equal(t, errors.ErrCodeAlreadyExists, errors.GetCode(err))

	require.NoError(t, r.Modify(ctx, dn("cn=alice"), []model.Mod{
		{Type: model.ModReplace, Attr: "sn", Values: []string{"Liddell"}},
	}))
	require.NoError(t, r.ModRDN(ctx, dn("cn=alice"), "cn=alicia", true, ""))

	e, err := r.Get(ctx, dn("cn=alicia"))
	require.NoError(t, err)
	assert.Equal(t, uid, e.UniqueID)
	assert.Equal(t, []string{"alicia"}, e.Get("cn"))
	assert.Equal(t, []string{"Liddell"}, e.Get("sn"))

	require.NoError(t, r.Delete(ctx, dn("cn=alicia")))
	_, err = r.Get(ctx, dn("cn=alicia"))
	assert.True(t, errors.IsNotFound(err))

	// one logged change per operation, in issue order
	var ops []model.OpType
	var prev csn.CSN
	cur := r.changelog.IterateFrom(csn.Zero)
	for rec, ok := cur.Next(); ok; rec, ok = cur.Next() {
		assert.True(t, prev.Less(rec.CSN))
		assert.Equal(t, uid, rec.UniqueID)
		ops = append(ops, rec.Op)
		prev = rec.CSN
	}
	assert.Equal(t, []model.OpType{model.OpAdd, model.OpModify, model.OpModRDN, model.OpDelete}, ops)
}

func TestLocalOperations_Refused(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t, 1, options{})
	_, err := r.Add(ctx, dn("cn=bob"), person("bob"))
	require.NoError(t, err)
	_, err = r.Add(ctx, dn("cn=carol"), person("carol"))
	require.NoError(t, err)

	_, err = r.Add(ctx, "cn=x,dc=elsewhere", person("x"))
	assert.True(t, errors.IsValidation(err))

	_, err = r.Add(ctx, dn("cn=y"), []model.Attr{{Name: "nsUniqueId", Values: []string{"forged"}}})
	assert.True(t, errors.IsValidation(err))

	assert.True(t, errors.IsNotFound(r.Modify(ctx, dn("cn=nobody"), []model.Mod{{Type: model.ModAdd, Attr: "sn", Values: []string{"x"}}})))
	assert.True(t, errors.IsValidation(r.Modify(ctx, dn("cn=bob"), nil)))
	assert.True(t, errors.IsValidation(r.Modify(ctx, dn("cn=bob"), []model.Mod{{Type: "increment", Attr: "sn"}})))
	assert.True(t, errors.IsNotFound(r.Delete(ctx, dn("cn=nobody"))))
	assert.Equal(t, errors.ErrCodeAlreadyExists, errors.GetCode(r.ModRDN(ctx, dn("cn=bob"), "cn=carol", true, "")))

	assert.Equal(t, 2, r.changelog.Len(), "refused operations are not logged")
}

func TestReceive_IdempotentAndForwarded(t *testing.T) {
	ctx := context.Background()
	r1 := newReplica(t, 1, options{})
	r2 := newReplica(t, 2, options{})
	r3 := newReplica(t, 3, options{})

	_, err := r1.Add(ctx, dn("cn=alice"), person("alice"))
	require.NoError(t, err)

	replicate(t, r1, r2)
	resp, err := r2.Receive(ctx, &model.ShipRequest{Suffix: suffix, Sender: 1, Records: collect(r1)})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Applied)
	assert.Equal(t, 1, resp.Skipped)
	assert.Equal(t, r1.changelog.RUV(), resp.RUV)

	// r2 relays r1's change with its original CSN
	replicate(t, r2, r3)
	requireConverged(t, r1, r2, r3)
	assert.True(t, r1.gen.Watermark().Less(r3.gen.Next()), "observed CSNs push the generator forward")

	_, err = r2.Receive(ctx, &model.ShipRequest{Suffix: "dc=other", Sender: 1})
	assert.True(t, errors.IsNotFound(err))
	_, err = r2.RUV(ctx, "DC=Example, DC=Com")
	assert.NoError(t, err)
}

func collect(r *Replica) []*model.ChangeRecord {
	var recs []*model.ChangeRecord
	cur := r.changelog.IterateFrom(csn.Zero)
	for rec, ok := cur.Next(); ok; rec, ok = cur.Next() {
		recs = append(recs, rec.Clone())
	}
	return recs
}

func TestConverge_AddModifyDeleteModRDN(t *testing.T) {
	ctx := context.Background()
	r1 := newReplica(t, 1, options{})
	r2 := newReplica(t, 2, options{})

	_, err := r1.Add(ctx, dn("cn=a"), person("a"))
	require.NoError(t, err)
	_, err = r2.Add(ctx, dn("cn=b"), person("b"))
	require.NoError(t, err)
	syncAll(t, r1, r2)

	require.NoError(t, r2.Modify(ctx, dn("cn=a"), []model.Mod{{Type: model.ModAdd, Attr: "description", Values: []string{"from r2"}}}))
	require.NoError(t, r1.ModRDN(ctx, dn("cn=b"), "cn=b2", false, ""))
	syncAll(t, r1, r2)
	requireConverged(t, r1, r2)

	b2, err := r2.Get(ctx, dn("cn=b2"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "b2"}, b2.Get("cn"), "deleteoldrdn=0 keeps the old value")

	require.NoError(t, r2.Delete(ctx, dn("cn=a")))
	syncAll(t, r1, r2)
	requireConverged(t, r1, r2)
	_, err = r1.Get(ctx, dn("cn=a"))
	assert.True(t, errors.IsNotFound(err))
}

func TestConverge_ConcurrentAddsSameDN(t *testing.T) {
	ctx := context.Background()
	r1 := newReplica(t, 1, options{})
	r2 := newReplica(t, 2, options{})

	older, err := r1.Add(ctx, dn("cn=dup"), person("dup"))
	require.NoError(t, err)
	newer, err := r2.Add(ctx, dn("cn=dup"), person("dup"))
	require.NoError(t, err)

	syncAll(t, r2, r1)
	requireConverged(t, r1, r2)

	for _, r := range []*Replica{r1, r2} {
		winner, err := r.Get(ctx, dn("cn=dup"))
		require.NoError(t, err)
		assert.Equal(t, older, winner.UniqueID)

		loser, err := r.store.GetByUniqueID(ctx, newer)
		require.NoError(t, err)
		assert.Contains(t, strings.ToLower(loser.DN), "nsuniqueid="+newer)
		assert.Equal(t, []string{"namingConflict " + dn("cn=dup")}, loser.Get("nsds5ReplConflict"))
	}
}

func TestConverge_DeleteRacesModify(t *testing.T) {
	ctx := context.Background()
	r1 := newReplica(t, 1, options{})
	r2 := newReplica(t, 2, options{})

	_, err := r1.Add(ctx, dn("cn=x"), person("x"))
	require.NoError(t, err)
	syncAll(t, r1, r2)

	require.NoError(t, r1.Modify(ctx, dn("cn=x"), []model.Mod{{Type: model.ModReplace, Attr: "sn", Values: []string{"late"}}}))
	require.NoError(t, r2.Delete(ctx, dn("cn=x")))

	syncAll(t, r1, r2)
	requireConverged(t, r1, r2)
	for _, r := range []*Replica{r1, r2} {
		_, err := r.Get(ctx, dn("cn=x"))
		assert.True(t, errors.IsNotFound(err))
	}
}

func TestConverge_DoubleDelete(t *testing.T) {
	ctx := context.Background()
	r1 := newReplica(t, 1, options{})
	r2 := newReplica(t, 2, options{})

	_, err := r1.Add(ctx, dn("cn=twice"), person("twice"))
	require.NoError(t, err)
	syncAll(t, r1, r2)

	require.NoError(t, r1.Delete(ctx, dn("cn=twice")))
	require.NoError(t, r2.Delete(ctx, dn("cn=twice")))
	syncAll(t, r1, r2)
	requireConverged(t, r1, r2)

	// both deletes are in both changelogs
	assert.Equal(t, 3, r1.changelog.Len())
	assert.Equal(t, 3, r2.changelog.Len())
}

func TestConverge_WildcardInDN(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.InfoLevel)
	r1 := newReplica(t, 1, options{})
	r2 := newReplica(t, 2, options{logger: zap.New(core)})

	uid, err := r1.Add(ctx, dn("cn=aXXb"), person("aXXb"))
	require.NoError(t, err)
	require.NoError(t, r1.Delete(ctx, dn("cn=aXXb")))
	syncAll(t, r1, r2)
	requireConverged(t, r1, r2)

	before, err := r2.store.GetByUniqueID(ctx, uid)
	require.NoError(t, err)

	// a supplier that names its target by DN only
	resp, err := r2.Receive(ctx, &model.ShipRequest{
		Suffix: suffix,
		Sender: 3,
		Records: []*model.ChangeRecord{{
			CSN:      csn.CSN{Timestamp: uint64(time.Now().Unix()) + 60, ReplicaID: 3},
			Op:       model.OpDelete,
			TargetDN: dn("cn=a*b"),
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Applied)

	after, err := r2.store.GetByUniqueID(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, before.DeleteCSN, after.DeleteCSN, "cn=a*b must not match the tombstone of cn=aXXb")

	searches := logs.Filter(func(e observer.LoggedEntry) bool {
		return e.LoggerName == "access" && e.Message == "Internal SRCH"
	}).All()
	require.Len(t, searches, 1)
	filter := searches[0].ContextMap()["filter"].(string)
	assert.Contains(t, filter, `cn=a\2ab`)
	assert.NotContains(t, filter, "a*b")
	assert.Equal(t, int64(0), searches[0].ContextMap()["nentries"])
}

// failingStore fails the next n Apply calls.
type failingStore struct {
	store.EntryStore

	mu sync.Mutex
	n  int
}

func (s *failingStore) Apply(ctx context.Context, e *model.Entry) error {
	s.mu.Lock()
	fail := s.n > 0
	if fail {
		s.n--
	}
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("backend unavailable")
	}
	return s.EntryStore.Apply(ctx, e)
}

func TestLocalOperations_StoreFailureIsNotReplicated(t *testing.T) {
	ctx := context.Background()
	backend := &failingStore{EntryStore: store.NewMemoryStore(zap.NewNop()), n: 1}
	r1 := newReplica(t, 1, options{store: backend})
	r2 := newReplica(t, 2, options{})

	_, err := r1.Add(ctx, dn("cn=ghost"), person("ghost"))
	require.Error(t, err)
	assert.Equal(t, 0, r1.changelog.Len())

	_, err = r1.Add(ctx, dn("cn=real"), person("real"))
	require.NoError(t, err)
	syncAll(t, r1, r2)
	requireConverged(t, r1, r2)

	_, err = r2.Get(ctx, dn("cn=ghost"))
	assert.True(t, errors.IsNotFound(err))

	backend.n = 1
	assert.Error(t, r1.Modify(ctx, dn("cn=real"), []model.Mod{{Type: model.ModReplace, Attr: "sn", Values: []string{"changed"}}}))
	syncAll(t, r1, r2)
	requireConverged(t, r1, r2)
	e, err := r2.Get(ctx, dn("cn=real"))
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, e.Get("sn"))
}

func TestReceive_UnresolvableRecordDoesNotBlockTheBatch(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.ErrorLevel)
	r1 := newReplica(t, 1, options{})
	r2 := newReplica(t, 2, options{logger: zap.New(core)})

	_, err := r1.Add(ctx, dn("cn=alice"), person("alice"))
	require.NoError(t, err)
	recs := collect(r1)
	bad := &model.ChangeRecord{
		CSN:      csn.CSN{Timestamp: recs[0].CSN.Timestamp - 1, ReplicaID: 3},
		Op:       model.OpAdd,
		TargetDN: dn("cn=nouid"),
	}

	resp, err := r2.Receive(ctx, &model.ShipRequest{
		Suffix:  suffix,
		Sender:  1,
		Records: append([]*model.ChangeRecord{bad}, recs...),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Rejected)
	assert.Equal(t, 1, resp.Applied)

	_, err = r2.Get(ctx, dn("cn=alice"))
	assert.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("Dropping replicated change that cannot be applied").Len())
}

func TestHaltedSuffix(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.ErrorLevel)
	r := newReplica(t, 1, options{logger: zap.New(core)})

	_, err := r.Add(ctx, dn("cn=before"), person("before"))
	require.NoError(t, err)
	require.NoError(t, r.changelog.Close())

	_, err = r.Add(ctx, dn("cn=lost"), person("lost"))
	require.Error(t, err)
	assert.True(t, errors.IsCorrupt(err))
	assert.Equal(t, 1, logs.FilterMessageSnippet("replication of this suffix is halted").Len())

	_, err = r.Add(ctx, dn("cn=after"), person("after"))
	assert.Equal(t, errors.ErrCodeSuffixHalted, errors.GetCode(err))
	_, err = r.Receive(ctx, &model.ShipRequest{Suffix: suffix, Sender: 2})
	assert.Equal(t, errors.ErrCodeSuffixHalted, errors.GetCode(err))

	// the failed add never reached the entry store
	_, err = r.Get(ctx, dn("cn=lost"))
	assert.True(t, errors.IsNotFound(err))
}

func TestRestart_GeneratorStaysAhead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	state, err := store.NewFileStateStore(t.TempDir())
	require.NoError(t, err)

	now := time.Unix(1_800_000_000, 0)
	r := newReplica(t, 1, options{dir: dir, state: state, clock: func() time.Time { return now }})
	_, err = r.Add(ctx, dn("cn=a"), person("a"))
	require.NoError(t, err)
	last := r.gen.Watermark()
	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.changelog.Close())

	// the clock went backwards across the restart
	earlier := now.Add(-time.Hour)
	restarted := newReplica(t, 1, options{dir: dir, state: state, clock: func() time.Time { return earlier }})
	assert.True(t, last.Less(restarted.gen.Next()))

	// without the watermark the changelog alone keeps it ahead
	fresh := newReplica(t, 1, options{dir: dir, clock: func() time.Time { return earlier }})
	assert.True(t, last.Less(fresh.gen.Next()))
}

func TestPurge_DescriptionValues(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Unix(1_800_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	r := newReplica(t, 1, options{clock: clock})

	descriptions := make([]string, 10)
	for i := range descriptions {
		descriptions[i] = fmt.Sprintf("description %d", i)
	}
	attrs := append(person("many"), model.Attr{Name: "description", Values: descriptions})
	_, err := r.Add(ctx, dn("cn=many"), attrs)
	require.NoError(t, err)
	_, err = r.Add(ctx, dn("cn=gone"), person("gone"))
	require.NoError(t, err)

	advance(time.Minute)
	require.NoError(t, r.Modify(ctx, dn("cn=many"), []model.Mod{
		{Type: model.ModDelete, Attr: "description", Values: descriptions[1:5]},
	}))
	require.NoError(t, r.Delete(ctx, dn("cn=gone")))
	advance(time.Minute)
	_, err = r.Add(ctx, dn("cn=later"), person("later"))
	require.NoError(t, err)

	// nothing is old enough yet
	stats, err := r.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Values)
	assert.Zero(t, stats.Tombstones)

	advance(8 * 24 * time.Hour)
	stats, err = r.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Values)
	assert.Equal(t, 1, stats.Tombstones)

	e, err := r.Get(ctx, dn("cn=many"))
	require.NoError(t, err)
	assert.Equal(t, append([]string{descriptions[0]}, descriptions[5:]...), e.Get("description"))
	assert.Len(t, e.Attr("description").Values, 6, "deleted value state is gone")

	// every record is past nsslapd-changelogmaxage and nobody else needs them
	n, err := r.Trim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Zero(t, r.changelog.Len())
	assert.True(t, r.changelog.Contains(csn.CSN{Timestamp: uint64(clock().Add(-8 * 24 * time.Hour).Unix()), ReplicaID: 1}),
		"trimmed changes still count as seen")
}

func TestPurgeAndTrim_HeldBackByPeers(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_800_000_000, 0)
	r := newReplica(t, 1, options{clock: func() time.Time { return now.Add(30 * 24 * time.Hour) }})
	r.gen = csn.NewGenerator(1, csn.WithClock(func() time.Time { return now }))

	require.NoError(t, r.registry.Add(&agreement.Agreement{
		ID: "to-r2", RemoteHost: "localhost", RemotePort: 39002, RemoteReplicaID: 2,
		Suffix: suffix, Enabled: true,
	}))

	_, err := r.Add(ctx, dn("cn=old"), person("old"))
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, dn("cn=old")))

	assert.True(t, r.PurgeCSN().IsZero(), "a peer that never acknowledged holds purging back")
	stats, err := r.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Tombstones)

	n, err := r.Trim(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, r.changelog.Len())
}

// loopback delivers shipped changes straight to another in-process replica.
type loopback struct {
	target *Replica
}

func (l loopback) Ship(ctx context.Context, req *model.ShipRequest) (*model.ShipResponse, error) {
	clone := &model.ShipRequest{Suffix: req.Suffix, Sender: req.Sender}
	for _, rec := range req.Records {
		clone.Records = append(clone.Records, rec.Clone())
	}
	return l.target.Receive(ctx, clone)
}

func (l loopback) GetRUV(ctx context.Context, suffix string) (csn.RUV, error) {
	return l.target.RUV(ctx, suffix)
}

func TestTopology_ShippersConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	byID := make(map[uint16]*Replica)
	dial := func(a *agreement.Agreement) (shipper.Peer, error) {
		mu.Lock()
		defer mu.Unlock()
		target, ok := byID[a.RemoteReplicaID]
		if !ok {
			return nil, fmt.Errorf("no replica %d", a.RemoteReplicaID)
		}
		return loopback{target: target}, nil
	}

	ids := []uint16{1, 2, 3}
	var replicas []*Replica
	for _, id := range ids {
		r := newReplica(t, id, options{dial: dial})
		mu.Lock()
		byID[id] = r
		mu.Unlock()
		replicas = append(replicas, r)
	}
	var agreements []*agreement.Agreement
	for _, r := range replicas {
		for _, remote := range ids {
			if remote == r.gen.ReplicaID() {
				continue
			}
			a := &agreement.Agreement{
				ID:              fmt.Sprintf("r%d-to-r%d", r.gen.ReplicaID(), remote),
				RemoteHost:      "localhost",
				RemotePort:      39000 + int(remote),
				RemoteReplicaID: remote,
				Suffix:          suffix,
				Enabled:         true,
			}
			require.NoError(t, r.registry.Add(a))
		}
		agreements = append(agreements, r.registry.List()...)
	}
	assert.True(t, agreement.Connected(agreements, ids))

	var wg sync.WaitGroup
	for _, r := range replicas {
		wg.Add(1)
		go func(r *Replica) {
			defer wg.Done()
			_ = r.Run(ctx)
		}(r)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	_, err := replicas[0].Add(ctx, dn("cn=alice"), person("alice"))
	require.NoError(t, err)
	_, err = replicas[1].Add(ctx, dn("cn=bob"), person("bob"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := replicas[2].Get(ctx, dn("cn=alice"))
		_, err2 := replicas[2].Get(ctx, dn("cn=bob"))
		return err == nil && err2 == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, replicas[2].Modify(ctx, dn("cn=alice"), []model.Mod{{Type: model.ModAdd, Attr: "description", Values: []string{"via r3"}}}))
	require.NoError(t, replicas[0].ModRDN(ctx, dn("cn=bob"), "cn=robert", true, ""))

	require.Eventually(t, func() bool {
		want := snapshot(t, replicas[0])
		for _, r := range replicas[1:] {
			if fmt.Sprint(snapshot(t, r)) != fmt.Sprint(want) {
				return false
			}
		}
		e, err := replicas[1].Get(ctx, dn("cn=alice"))
		return err == nil && len(e.Get("description")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	for _, r := range replicas {
		for _, st := range r.Supervisor().Status() {
			assert.Equal(t, shipper.StateActive, st.State, st.Agreement)
			assert.Empty(t, st.LastError)
		}
	}
}
