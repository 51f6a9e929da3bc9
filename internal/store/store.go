package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Bldg-7/airsentry/internal/shared"
	"github.com/Bldg-7/airsentry/internal/threshold"
)

// Reading is one committed set of sensor values. Immutable after commit.
type Reading struct {
	TS     float64
	Date   string
	SID    string
	PeerIP string
	Values map[string]float64
}

// AlertEvent is a durable record of a reading crossing into level >= 2.
type AlertEvent struct {
	TS     float64
	Date   string
	SID    string
	PeerIP string
	Kind   string
	Level  int
	Value  float64
}

// DayStats aggregates one (sid, peer, kind) over the current local day.
type DayStats struct {
	Min   float64 `json:"min"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// SeriesPoint is one element of a time-ordered query result.
type SeriesPoint struct {
	TS    float64 `json:"ts"`
	Value float64 `json:"value"`
}

const (
	statsCacheTTL  = 2 * time.Second
	seriesCacheTTL = 5 * time.Second

	busyBackoff = 50 * time.Millisecond
)

// kindColumns maps a sensor kind to its sensor_data column. ch4 lands in the
// legacy lel column so pre-rename readers keep working; ext_input has no
// reading column and is persisted as alert events only.
var kindColumns = map[string]string{
	string(threshold.KindCO2):         "co2",
	string(threshold.KindH2S):         "h2s",
	string(threshold.KindCO):          "co",
	string(threshold.KindO2):          "o2",
	string(threshold.KindTemperature): "temperature",
	string(threshold.KindHumidity):    "humidity",
	string(threshold.KindCH4):         "lel",
	string(threshold.KindSmoke):       "smoke",
	string(threshold.KindWater):       "water",
}

// Store owns the durable reading/event tables plus the short-TTL query
// caches. Writes go through a single connection that is reopened on the
// first write after local midnight.
type Store struct {
	path   string
	logger *zap.Logger

	mu  sync.Mutex
	db  *sql.DB
	day string

	statsCache  *expirable.LRU[string, *DayStats]
	seriesCache *expirable.LRU[string, []SeriesPoint]
}

// Open opens (creating if needed) the database at path and runs migrations.
// Migration failure aborts startup.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir %s: %w", dir, err)
		}
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	return &Store{
		path:        path,
		logger:      logger,
		db:          db,
		day:         shared.DayBucketNow(),
		statsCache:  expirable.NewLRU[string, *DayStats](1024, nil, statsCacheTTL),
		seriesCache: expirable.NewLRU[string, []SeriesPoint](256, nil, seriesCacheTTL),
	}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// One writer connection; WAL readers do not need more here because
	// aggregate queries sit behind the TTL caches.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// rotateIfNeeded reopens the connection on the first write after local
// midnight. Caller holds the mutex.
func (s *Store) rotateIfNeeded() error {
	today := shared.DayBucketNow()
	if today == s.day && s.db != nil {
		return nil
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("closing database for rotation failed", zap.Error(err))
		}
	}

	db, err := openDB(s.path)
	if err != nil {
		return fmt.Errorf("rotate database: %w", err)
	}
	s.db = db
	s.day = today
	s.logger.Info("database connection rotated", zap.String("day", today))
	return nil
}

// InsertReading appends one reading row. SQLITE_BUSY is retried once after a
// short backoff; the second failure is returned to the caller, which logs it
// and continues without the row.
func (s *Store) InsertReading(r Reading) error {
	columns := []string{"ts", "date", "sid", "peer_ip"}
	args := []any{r.TS, r.Date, r.SID, r.PeerIP}

	for kind, value := range r.Values {
		column, ok := kindColumns[kind]
		if !ok {
			continue
		}
		columns = append(columns, column)
		args = append(args, value)
	}

	query := fmt.Sprintf(
		"INSERT INTO sensor_data (%s) VALUES (%s)",
		strings.Join(columns, ", "),
		placeholders(len(columns)),
	)

	return s.write(query, args...)
}

// InsertAlertEvent appends one alert event row.
func (s *Store) InsertAlertEvent(ev AlertEvent) error {
	return s.write(
		"INSERT INTO alert_events (ts, date, sid, peer_ip, kind, level, value) VALUES (?, ?, ?, ?, ?, ?, ?)",
		ev.TS, ev.Date, ev.SID, ev.PeerIP, ev.Kind, ev.Level, ev.Value,
	)
}

func (s *Store) write(query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeeded(); err != nil {
		return err
	}

	_, err := s.db.Exec(query, args...)
	if err != nil && isBusy(err) {
		time.Sleep(busyBackoff)
		_, err = s.db.Exec(query, args...)
	}
	if err != nil {
		return fmt.Errorf("store write: %w", err)
	}
	return nil
}

// TodayStats returns min/avg/max/count for one (sid, peer, kind) over the
// current local day, nil when no rows exist. Results are cached for 2 s.
func (s *Store) TodayStats(sid, peer, kind string) (*DayStats, error) {
	column, ok := kindColumns[kind]
	if !ok {
		return nil, fmt.Errorf("unknown sensor kind %q", kind)
	}

	cacheKey := sid + "|" + peer + "|" + kind
	if cached, ok := s.statsCache.Get(cacheKey); ok {
		return cached, nil
	}

	query := fmt.Sprintf(
		"SELECT MIN(%[1]s), AVG(%[1]s), MAX(%[1]s), COUNT(%[1]s) FROM sensor_data WHERE sid = ? AND peer_ip = ? AND date = ? AND %[1]s IS NOT NULL",
		column,
	)

	s.mu.Lock()
	row := s.db.QueryRow(query, sid, peer, shared.DayBucketNow())
	var min, avg, max sql.NullFloat64
	var count int
	err := row.Scan(&min, &avg, &max, &count)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("today stats query: %w", err)
	}

	if count == 0 || !min.Valid {
		s.statsCache.Add(cacheKey, nil)
		return nil, nil
	}

	result := &DayStats{Min: min.Float64, Avg: avg.Float64, Max: max.Float64, Count: count}
	s.statsCache.Add(cacheKey, result)
	return result, nil
}

// SeriesHours returns the (ts, value) series of the last N hours for one
// (sid, peer, kind), oldest first. Results are cached for 5 s.
func (s *Store) SeriesHours(sid, peer, kind string, hours int) ([]SeriesPoint, error) {
	column, ok := kindColumns[kind]
	if !ok {
		return nil, fmt.Errorf("unknown sensor kind %q", kind)
	}
	if hours <= 0 {
		hours = 1
	}

	cacheKey := fmt.Sprintf("%s|%s|%s|%d", sid, peer, kind, hours)
	if cached, ok := s.seriesCache.Get(cacheKey); ok {
		return cached, nil
	}

	since := shared.UnixNow() - float64(hours)*3600

	query := fmt.Sprintf(
		"SELECT ts, %[1]s FROM sensor_data WHERE sid = ? AND peer_ip = ? AND ts >= ? AND %[1]s IS NOT NULL ORDER BY ts",
		column,
	)

	s.mu.Lock()
	rows, err := s.db.Query(query, sid, peer, since)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("series query: %w", err)
	}

	var series []SeriesPoint
	for rows.Next() {
		var p SeriesPoint
		if err := rows.Scan(&p.TS, &p.Value); err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, fmt.Errorf("series scan: %w", err)
		}
		series = append(series, p)
	}
	err = rows.Err()
	rows.Close()
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("series rows: %w", err)
	}

	s.seriesCache.Add(cacheKey, series)
	return series, nil
}

// TodayAlerts lists today's surfaced alert events (level >= 3), newest
// first. An empty sid matches every sensor.
func (s *Store) TodayAlerts(sid string) ([]AlertEvent, error) {
	query := "SELECT ts, date, sid, peer_ip, kind, level, value FROM alert_events WHERE date = ? AND level >= 3"
	args := []any{shared.DayBucketNow()}
	if sid != "" {
		query += " AND sid = ?"
		args = append(args, sid)
	}
	query += " ORDER BY ts DESC"

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("today alerts query: %w", err)
	}
	defer rows.Close()

	var events []AlertEvent
	for rows.Next() {
		var ev AlertEvent
		var value sql.NullFloat64
		if err := rows.Scan(&ev.TS, &ev.Date, &ev.SID, &ev.PeerIP, &ev.Kind, &ev.Level, &value); err != nil {
			return nil, fmt.Errorf("today alerts scan: %w", err)
		}
		ev.Value = value.Float64
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("today alerts rows: %w", err)
	}
	return events, nil
}

// ReadingValues reads back the stored values of the newest reading for one
// (sid, peer). The lel column surfaces as kind ch4.
func (s *Store) ReadingValues(sid, peer string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT co2, h2s, co, o2, temperature, humidity, lel, smoke, water
		FROM sensor_data WHERE sid = ? AND peer_ip = ?
		ORDER BY ts DESC LIMIT 1
	`, sid, peer)

	cols := make([]sql.NullFloat64, 9)
	if err := row.Scan(&cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &cols[5], &cols[6], &cols[7], &cols[8]); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("reading values query: %w", err)
	}

	kinds := []string{"co2", "h2s", "co", "o2", "temperature", "humidity", "ch4", "smoke", "water"}
	values := make(map[string]float64)
	for i, kind := range kinds {
		if cols[i].Valid {
			values[kind] = cols[i].Float64
		}
	}
	return values, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "(5)")
}
