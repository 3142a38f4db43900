package changelog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
	"github.com/clayne/389-ds-base/internal/metrics"
	"github.com/clayne/389-ds-base/internal/model"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "changelog-"
	segmentSuffix = ".log"
	ruvFile       = "ruv.json"
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// Config holds changelog configuration
type Config struct {
	Dir         string
	Suffix      string
	SyncWrites  bool
	SegmentSize int64
}

// frame is one line of a segment file.
type frame struct {
	CRC uint32          `json:"crc"`
	Rec json.RawMessage `json:"rec"`
}

// Changelog is the durable, CSN-ordered log of changes applied to one suffix.
// Appends are serialized; cursors read a consistent prefix concurrently.
type Changelog struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	records []*model.ChangeRecord // sorted by CSN
	index   map[csn.CSN]struct{}
	ruv     csn.RUV
	// bumped whenever a record lands before the newest one
	rewinds uint64

	file        *os.File
	segmentID   int64
	segmentSize int64
	halted      error
}

// Open recovers every segment under cfg.Dir and reopens the newest one for appends.
// A record whose checksum or encoding is bad makes the changelog unusable and
// returns a CorruptChangelog error.
func Open(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Changelog, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create changelog directory: %w", err)
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 64 << 20
	}

	cl := &Changelog{
		cfg:     cfg,
		logger:  logger.With(zap.String("suffix", cfg.Suffix)),
		metrics: m,
		index:   make(map[csn.CSN]struct{}),
		ruv:     csn.NewRUV(),
	}

	if err := cl.recover(); err != nil {
		return nil, err
	}
	id := cl.segmentID
	if id == 0 {
		id = 1
	}
	if err := cl.openSegment(id); err != nil {
		return nil, fmt.Errorf("failed to open changelog segment: %w", err)
	}
	return cl, nil
}

func (c *Changelog) segments() ([]string, int64, error) {
	files, err := filepath.Glob(filepath.Join(c.cfg.Dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list changelog segments: %w", err)
	}
	sort.Strings(files)

	var maxID int64
	for _, f := range files {
		if id, ok := segmentIDOf(f); ok && id > maxID {
			maxID = id
		}
	}
	return files, maxID, nil
}

func segmentIDOf(path string) (int64, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), segmentPrefix), segmentSuffix)
	id, err := strconv.ParseInt(name, 10, 64)
	return id, err == nil
}

func (c *Changelog) segmentPath(id int64) string {
	return filepath.Join(c.cfg.Dir, fmt.Sprintf("%s%020d%s", segmentPrefix, id, segmentSuffix))
}

// recover replays segments on startup
func (c *Changelog) recover() error {
	c.logger.Info("Starting changelog recovery", zap.String("dir", c.cfg.Dir))

	var saved csn.RUV
	if data, err := os.ReadFile(filepath.Join(c.cfg.Dir, ruvFile)); err == nil {
		if err := json.Unmarshal(data, &saved); err != nil {
			return errors.CorruptChangelog(filepath.Join(c.cfg.Dir, ruvFile), 0, err)
		}
		c.ruv.Merge(saved)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read changelog RUV: %w", err)
	}

	files, maxID, err := c.segments()
	if err != nil {
		return err
	}
	c.segmentID = maxID

	for i, path := range files {
		if err := c.recoverSegment(path, i == len(files)-1); err != nil {
			c.logger.Error("Changelog is corrupted, replication of this suffix is halted",
				zap.String("file", path), zap.Error(err))
			return err
		}
	}

	sort.Slice(c.records, func(i, j int) bool { return c.records[i].CSN.Less(c.records[j].CSN) })
	c.logger.Info("Changelog recovery completed",
		zap.Int("entries", len(c.records)),
		zap.Stringer("ruv", c.ruv))
	return nil
}

func (c *Changelog) recoverSegment(path string, last bool) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	for line := 1; ; line++ {
		data, err := reader.ReadBytes('\n')
		if err == io.EOF {
			if len(data) == 0 {
				return nil
			}
			// Torn final write: only tolerated at the tail of the newest segment.
			if !last {
				return errors.CorruptChangelog(path, line, fmt.Errorf("truncated record"))
			}
			c.logger.Warn("Truncating torn changelog record",
				zap.String("file", path), zap.Int("line", line))
			return os.Truncate(path, offset)
		}
		if err != nil {
			return fmt.Errorf("failed to read segment: %w", err)
		}
		offset += int64(len(data))

		rec, err := decodeFrame(bytes.TrimRight(data, "\n"))
		if err != nil {
			return errors.CorruptChangelog(path, line, err)
		}
		c.insert(rec)
	}
}

func encodeFrame(rec *model.ChangeRecord) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	data, err := json.Marshal(frame{CRC: crc32.Checksum(payload, crcTable), Rec: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeFrame(line []byte) (*model.ChangeRecord, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("bad frame: %w", err)
	}
	if crc32.Checksum(f.Rec, crcTable) != f.CRC {
		return nil, fmt.Errorf("checksum mismatch")
	}
	var rec model.ChangeRecord
	if err := json.Unmarshal(f.Rec, &rec); err != nil {
		return nil, fmt.Errorf("bad record: %w", err)
	}
	if !rec.Op.Valid() {
		return nil, fmt.Errorf("unknown operation %q", rec.Op)
	}
	return &rec, nil
}

// openSegment makes id the active segment
func (c *Changelog) openSegment(id int64) error {
	path := c.segmentPath(id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open changelog file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat changelog file: %w", err)
	}

	if c.file != nil {
		c.file.Close()
	}
	c.file = file
	c.segmentID = id
	c.segmentSize = info.Size()

	c.logger.Info("Opened changelog segment", zap.String("path", path))
	return nil
}

// insert adds rec in CSN order. Caller holds the lock or owns c exclusively.
func (c *Changelog) insert(rec *model.ChangeRecord) bool {
	if _, dup := c.index[rec.CSN]; dup {
		return false
	}
	c.index[rec.CSN] = struct{}{}
	c.ruv.Update(rec.CSN)

	n := len(c.records)
	if n == 0 || c.records[n-1].CSN.Less(rec.CSN) {
		c.records = append(c.records, rec)
		return true
	}
	c.rewinds++
	i := sort.Search(n, func(i int) bool { return rec.CSN.Less(c.records[i].CSN) })
	c.records = append(c.records, nil)
	copy(c.records[i+1:], c.records[i:])
	c.records[i] = rec
	return true
}

// Append durably writes rec. A record whose CSN is already present is ignored,
// which makes replay idempotent. A write failure halts the changelog: every
// later Append returns a SuffixHalted error until the process is restarted.
func (c *Changelog) Append(ctx context.Context, rec *model.ChangeRecord) error {
	if rec.CSN.IsZero() {
		return errors.Validation("change record has no CSN")
	}
	if !rec.Op.Valid() {
		return errors.Validation(fmt.Sprintf("unknown operation %q", rec.Op))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted != nil {
		return errors.SuffixHalted(c.cfg.Suffix, c.halted)
	}
	if _, dup := c.index[rec.CSN]; dup {
		c.logger.Debug("Ignoring duplicate change record", zap.Stringer("csn", rec.CSN))
		return nil
	}

	data, err := encodeFrame(rec)
	if err != nil {
		return err
	}
	if _, err := c.file.Write(data); err != nil {
		return c.halt(fmt.Errorf("failed to write to changelog: %w", err))
	}
	if c.cfg.SyncWrites {
		if err := c.file.Sync(); err != nil {
			return c.halt(fmt.Errorf("failed to sync changelog: %w", err))
		}
	}
	c.segmentSize += int64(len(data))
	c.insert(rec)

	if c.segmentSize >= c.cfg.SegmentSize {
		c.logger.Info("Rotating changelog due to size",
			zap.Int64("size", c.segmentSize),
			zap.Int64("threshold", c.cfg.SegmentSize))
		if err := c.openSegment(c.segmentID + 1); err != nil {
			return c.halt(err)
		}
	}

	c.metrics.RecordChangelogAppend(time.Since(start).Seconds(), len(c.records))
	return nil
}

func (c *Changelog) halt(err error) error {
	c.halted = err
	c.logger.Error("Changelog write failed, replication of this suffix is halted", zap.Error(err))
	return errors.ChangelogWrite("changelog append failed", err)
}

// Halted returns the write failure that halted the changelog, if any.
func (c *Changelog) Halted() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

// Contains reports whether a record with this CSN is retained or was ever
// appended and since trimmed.
func (c *Changelog) Contains(id csn.CSN) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.index[id]; ok {
		return true
	}
	return c.ruv.Covers(id)
}

// RUV returns the greatest CSN appended per origin. It never decreases, even
// when records are trimmed.
func (c *Changelog) RUV() csn.RUV {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ruv.Copy()
}

// Len returns the number of retained records.
func (c *Changelog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// IterateFrom returns a cursor over records with a CSN greater than after.
// The zero CSN starts at the oldest retained record.
func (c *Changelog) IterateFrom(after csn.CSN) *Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Cursor{cl: c, after: after, rewinds: c.rewinds}
}

// Close persists the RUV and closes the active segment
func (c *Changelog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.saveRUV(); err != nil {
		c.logger.Warn("Failed to persist changelog RUV", zap.Error(err))
	}
	if c.file != nil {
		err := c.file.Close()
		c.file = nil
		return err
	}
	return nil
}

func (c *Changelog) saveRUV() error {
	data, err := json.Marshal(c.ruv)
	if err != nil {
		return err
	}
	path := filepath.Join(c.cfg.Dir, ruvFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Cursor iterates a changelog in CSN order. It remembers the last CSN returned,
// so it keeps working across concurrent appends and trims.
//
// A record appended with a CSN older than the newest one may sort behind the
// cursor. Once that has happened the cursor stops and reports Stale, so the
// records it returned are always a gap-free prefix of the changelog.
type Cursor struct {
	cl      *Changelog
	after   csn.CSN
	rewinds uint64
	stale   bool
}

// Next returns the next record, or false when the cursor has caught up or
// gone stale.
func (cur *Cursor) Next() (*model.ChangeRecord, bool) {
	cur.cl.mu.RLock()
	defer cur.cl.mu.RUnlock()

	if cur.stale || cur.cl.rewinds != cur.rewinds {
		cur.stale = true
		return nil, false
	}
	recs := cur.cl.records
	i := sort.Search(len(recs), func(i int) bool { return recs[i].CSN.After(cur.after) })
	if i == len(recs) {
		return nil, false
	}
	cur.after = recs[i].CSN
	return recs[i], true
}

// Stale reports whether an out-of-order append may have placed records
// behind the cursor. A stale cursor returns nothing more; iterate again from
// an earlier position.
func (cur *Cursor) Stale() bool {
	return cur.stale
}

// Position returns the CSN of the last record returned.
func (cur *Cursor) Position() csn.CSN {
	return cur.after
}
