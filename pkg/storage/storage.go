package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

// DefaultTenant is used when a request carries no tenant.
const DefaultTenant = "default"

// blockDuration is the span of one stored block in milliseconds.
const blockDuration = int64(time.Hour / time.Millisecond)

var (
	// ErrInvalidTenant is returned for tenant IDs that cannot be keyed.
	ErrInvalidTenant = errors.New("invalid tenant id")
	// ErrInvalidRange is returned when a query ends before it starts.
	ErrInvalidRange = errors.New("query end before start")
	// ErrInvalidSelector is returned for queries that do not parse.
	ErrInvalidSelector = errors.New("invalid selector")
)

var (
	dataPrefix = []byte("d/")
	metaPrefix = []byte("m/")
)

// Storage interface defines the contract for telemetry storage
type Storage interface {
	// Write writes points to storage, merging with existing blocks
	Write(ctx context.Context, req *types.WriteRequest) error

	// Query returns every series matching the selector within the
	// inclusive time range
	Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error)

	// LabelValues lists the distinct values of a label
	LabelValues(ctx context.Context, name string) ([]string, error)

	// Close closes the storage
	Close() error
}

// Config holds storage configuration
type Config struct {
	Path             string
	RetentionDays    int
	CompressionLevel int
	EnableWAL        bool
	InMemory         bool
	Logger           *slog.Logger
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data",
		RetentionDays:    0,
		CompressionLevel: 3,
		EnableWAL:        true,
	}
}

// badgerStorage implements Storage using BadgerDB
type badgerStorage struct {
	cfg        *Config
	db         *badger.DB
	index      *Index
	compressor *Compressor
	wal        *WAL
	log        *slog.Logger
	mu         sync.RWMutex
}

// NewStorage opens the store, loads the persisted series index and
// replays any write-ahead log left behind by an unclean shutdown.
func NewStorage(cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = badgerLogger{logger.With("component", "badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	s := &badgerStorage{
		cfg:        cfg,
		db:         db,
		index:      NewIndex(),
		compressor: compressor,
		log:        logger,
	}

	if err := s.loadIndex(); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.EnableWAL && !cfg.InMemory {
		if err := ReplayWAL(cfg.Path, s.writeDirect); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to replay WAL: %w", err)
		}
		wal, err := NewWAL(cfg.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.wal = wal
	}

	logger.Info("storage opened", "path", cfg.Path, "series", s.index.SeriesCount(), "wal", s.wal != nil)
	return s, nil
}

// loadIndex rebuilds the in-memory index from persisted series metadata.
func (s *badgerStorage) loadIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index.Clear()
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: metaPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(s.index.restore); err != nil {
				return fmt.Errorf("failed to load index: %w", err)
			}
		}
		return nil
	})
}

// Write implements Storage.Write
func (s *badgerStorage) Write(ctx context.Context, req *types.WriteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := tenantKey(req.TenantID); err != nil {
		return err
	}
	if s.wal != nil {
		if err := s.wal.Append(req); err != nil {
			return fmt.Errorf("WAL append failed: %w", err)
		}
	}
	return s.writeDirect(req)
}

// writeDirect writes a request to the block store without logging it.
func (s *badgerStorage) writeDirect(req *types.WriteRequest) error {
	tenant, err := tenantKey(req.TenantID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, series := range req.Series {
		if len(series.Points) == 0 {
			continue
		}

		seriesID, _ := s.index.AddSeries(&series.Metric)

		blocks := groupPointsByBlock(series.Points)
		minTime, maxTime := int64(0), int64(0)
		first := true
		for blockStart, points := range blocks {
			if err := s.mergeBlock(tenant, seriesID, blockStart, points); err != nil {
				return fmt.Errorf("failed to write block: %w", err)
			}
			for _, p := range points {
				ms := p.Timestamp.UnixMilli()
				if first || ms < minTime {
					minTime = ms
				}
				if first || ms > maxTime {
					maxTime = ms
				}
				first = false
			}
		}

		if err := s.index.UpdateTimeRange(seriesID, minTime, maxTime); err != nil {
			return err
		}
		if err := s.persistMeta(seriesID); err != nil {
			return err
		}
	}

	return nil
}

// groupPointsByBlock groups points into one-hour blocks keyed by the
// block start in milliseconds
func groupPointsByBlock(points []types.Point) map[int64][]types.Point {
	blocks := make(map[int64][]types.Point)
	for _, p := range points {
		start := blockStart(p.Timestamp.UnixMilli())
		blocks[start] = append(blocks[start], p)
	}
	return blocks
}

func blockStart(ms int64) int64 {
	start := ms - ms%blockDuration
	if ms < 0 && ms%blockDuration != 0 {
		start -= blockDuration
	}
	return start
}

// mergeBlock merges points into the stored block. Points at an existing
// timestamp replace the stored value.
func (s *badgerStorage) mergeBlock(tenant string, seriesID uint64, start int64, points []types.Point) error {
	key := dataKey(tenant, seriesID, start)

	return s.db.Update(func(txn *badger.Txn) error {
		merged := make(map[int64]float64, len(points))

		item, err := txn.Get(key)
		switch {
		case err == nil:
			existing, err := s.decodeItem(item)
			if err != nil {
				return err
			}
			for _, p := range existing {
				merged[p.Timestamp.UnixMilli()] = p.Value
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		for _, p := range points {
			merged[p.Timestamp.UnixMilli()] = p.Value
		}

		payload, err := s.encodeBlock(merged)
		if err != nil {
			return err
		}

		entry := badger.NewEntry(key, payload)
		if s.cfg.RetentionDays > 0 {
			entry = entry.WithTTL(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		}
		return txn.SetEntry(entry)
	})
}

func (s *badgerStorage) persistMeta(seriesID uint64) error {
	meta, ok := s.index.GetSeries(seriesID)
	if !ok {
		return fmt.Errorf("series %d not found", seriesID)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal series metadata: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(seriesID), data)
	})
}

type blockPayload struct {
	Count            int    `json:"count"`
	MinTime          int64  `json:"min_time"`
	MaxTime          int64  `json:"max_time"`
	CompressedTS     []byte `json:"ts"`
	CompressedValues []byte `json:"values"`
}

func (s *badgerStorage) encodeBlock(points map[int64]float64) ([]byte, error) {
	timestamps := make([]int64, 0, len(points))
	for ts := range points {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	values := make([]float64, len(timestamps))
	for i, ts := range timestamps {
		values[i] = points[ts]
	}

	compressedTS, err := s.compressor.CompressTimestamps(timestamps)
	if err != nil {
		return nil, fmt.Errorf("failed to compress timestamps: %w", err)
	}
	compressedVals, err := s.compressor.CompressValues(values)
	if err != nil {
		return nil, fmt.Errorf("failed to compress values: %w", err)
	}

	payload := &blockPayload{
		Count:            len(timestamps),
		CompressedTS:     compressedTS,
		CompressedValues: compressedVals,
	}
	if len(timestamps) > 0 {
		payload.MinTime = timestamps[0]
		payload.MaxTime = timestamps[len(timestamps)-1]
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

func (s *badgerStorage) decodeItem(item *badger.Item) ([]types.Point, error) {
	var points []types.Point
	err := item.Value(func(val []byte) error {
		var err error
		points, err = s.decodeBlock(val)
		return err
	})
	return points, err
}

func (s *badgerStorage) decodeBlock(data []byte) ([]types.Point, error) {
	var payload blockPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	timestamps, err := s.compressor.DecompressTimestamps(payload.CompressedTS, payload.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress timestamps: %w", err)
	}
	values, err := s.compressor.DecompressValues(payload.CompressedValues, payload.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress values: %w", err)
	}

	points := make([]types.Point, payload.Count)
	for i := range points {
		points[i] = types.Point{
			Timestamp: time.UnixMilli(timestamps[i]).UTC(),
			Value:     values[i],
		}
	}
	return points, nil
}

// Query implements Storage.Query
func (s *badgerStorage) Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error) {
	tenant, err := tenantKey(req.TenantID)
	if err != nil {
		return nil, err
	}
	matchers, err := ParseSelector(req.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
	}
	start, end := req.StartTime.UnixMilli(), req.EndTime.UnixMilli()
	if end < start {
		return nil, ErrInvalidRange
	}

	s.mu.RLock()
	var metas []seriesMetadata
	for _, id := range s.index.Select(matchers) {
		meta, ok := s.index.GetSeries(id)
		if ok && meta.overlaps(start, end) {
			metas = append(metas, *meta)
		}
	}
	s.mu.RUnlock()

	result := &types.QueryResult{Series: make([]types.Series, 0, len(metas))}

	err = s.db.View(func(txn *badger.Txn) error {
		for _, meta := range metas {
			if err := ctx.Err(); err != nil {
				return err
			}
			points, err := s.readRange(txn, tenant, meta.ID, start, end)
			if err != nil {
				return err
			}
			if len(points) > 0 {
				result.Series = append(result.Series, types.Series{Metric: meta.Metric, Points: points})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result.Series, func(i, j int) bool {
		return result.Series[i].Metric.String() < result.Series[j].Metric.String()
	})
	return result, nil
}

// readRange reads the blocks of one series covering [start, end].
func (s *badgerStorage) readRange(txn *badger.Txn, tenant string, seriesID uint64, start, end int64) ([]types.Point, error) {
	prefix := seriesPrefix(tenant, seriesID)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
	defer it.Close()

	lastBlock := blockStart(end)
	var points []types.Point

	for it.Seek(dataKey(tenant, seriesID, blockStart(start))); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if blockOf(item.Key()) > lastBlock {
			break
		}

		block, err := s.decodeItem(item)
		if err != nil {
			return nil, err
		}
		for _, p := range block {
			ms := p.Timestamp.UnixMilli()
			if ms >= start && ms <= end {
				points = append(points, p)
			}
		}
	}

	return points, nil
}

// LabelValues implements Storage.LabelValues
func (s *badgerStorage) LabelValues(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.LabelValues(name), nil
}

// Close implements Storage.Close. A clean shutdown syncs BadgerDB and then
// discards the WAL.
func (s *badgerStorage) Close() error {
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.wal != nil {
		errs = append(errs, s.wal.Close())
		if errors.Join(errs...) == nil {
			errs = append(errs, s.wal.Remove())
		}
	}
	if s.compressor != nil {
		s.compressor.Close()
	}
	return errors.Join(errs...)
}

func tenantKey(tenantID string) (string, error) {
	if tenantID == "" {
		return DefaultTenant, nil
	}
	if strings.ContainsAny(tenantID, "/\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return tenantID, nil
}

// seriesPrefix is d/<tenant>/<series id>.
func seriesPrefix(tenant string, seriesID uint64) []byte {
	key := make([]byte, 0, len(dataPrefix)+len(tenant)+1+8+8)
	key = append(key, dataPrefix...)
	key = append(key, tenant...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, seriesID)
}

// dataKey appends the block start with the sign bit flipped so keys sort
// in time order.
func dataKey(tenant string, seriesID uint64, start int64) []byte {
	return binary.BigEndian.AppendUint64(seriesPrefix(tenant, seriesID), uint64(start)^(1<<63))
}

func blockOf(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]) ^ (1 << 63))
}

func metaKey(seriesID uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), metaPrefix...), seriesID)
}

// badgerLogger routes BadgerDB logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
