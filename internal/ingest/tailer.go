package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/aegisgate/aegis/internal/logger"
	"github.com/aegisgate/aegis/internal/metrics"
	"github.com/aegisgate/aegis/internal/models"
	"github.com/aegisgate/aegis/internal/services"
)

// DefaultMaxReadWindow caps how many bytes one poll will consume. When a log
// grew past the window, the older portion is skipped: freshness over
// completeness during catch-up.
const DefaultMaxReadWindow = 4 << 20

// CountryResolver is the optional geo enrichment hook.
type CountryResolver interface {
	Country(address string) string
}

// IngestResult summarizes one poll cycle.
type IngestResult struct {
	Inserted       int
	CursorAdvanced bool
}

// Tailer incrementally consumes one append-only structured event log,
// normalizes its lines and hands retained events to the decision engine.
type Tailer struct {
	db       *gorm.DB
	events   *services.EventService
	settings *services.SettingsService
	geo      CountryResolver

	logPath   string
	maxWindow int64

	// onEvent receives every retained (persisted) event, in log order.
	onEvent func(models.SecurityEvent)

	processing atomic.Bool
}

// NewTailer creates a tailer for one log path. onEvent may be nil.
func NewTailer(db *gorm.DB, events *services.EventService, settings *services.SettingsService, geo CountryResolver, logPath string, onEvent func(models.SecurityEvent)) *Tailer {
	return &Tailer{
		db:        db,
		events:    events,
		settings:  settings,
		geo:       geo,
		logPath:   logPath,
		maxWindow: DefaultMaxReadWindow,
		onEvent:   onEvent,
	}
}

// Poll reads newly appended bytes since the stored cursor and processes them.
// Overlapping invocations are skipped, not queued. Any I/O failure aborts the
// cycle; the next scheduled poll retries from the last persisted cursor.
func (t *Tailer) Poll() IngestResult {
	if !t.processing.CompareAndSwap(false, true) {
		return IngestResult{}
	}
	defer t.processing.Store(false)

	info, err := os.Stat(t.logPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WithFields(map[string]interface{}{"log": t.logPath}).
				WithError(err).Debug("stat event log failed")
		}
		return IngestResult{}
	}

	cursor, err := t.loadCursor()
	if err != nil {
		logger.WithFields(map[string]interface{}{"log": t.logPath}).
			WithError(err).Warn("load ingest cursor failed")
		return IngestResult{}
	}

	size := info.Size()
	inode := fileInode(info)

	// Rotation or truncation resets the cursor before reading.
	if cursor.Inode != inode || size < cursor.ByteOffset {
		cursor.ByteOffset = 0
	}
	cursor.Inode = inode

	readLen := size - cursor.ByteOffset
	if readLen <= 0 {
		if err := t.saveCursor(cursor); err != nil {
			logger.WithError(err).Warn("persist ingest cursor failed")
		}
		return IngestResult{}
	}

	offset := cursor.ByteOffset
	if readLen > t.maxWindow {
		offset = size - t.maxWindow
		readLen = t.maxWindow
	}

	chunk, err := readRange(t.logPath, offset, readLen)
	if err != nil {
		logger.WithFields(map[string]interface{}{"log": t.logPath}).
			WithError(err).Warn("read event log failed")
		return IngestResult{}
	}

	lines := strings.Split(string(chunk), "\n")
	// Drop the trailing partial line.
	if len(lines) > 0 && lines[len(lines)-1] != "" {
		lines = lines[:len(lines)-1]
	}

	// Cursor is persisted before per-line side effects, at the full file
	// size. A crash mid-batch re-skips the batch instead of reprocessing it;
	// attack telemetry is best effort and losing part of a batch is the
	// accepted trade-off.
	cursor.ByteOffset = size
	if err := t.saveCursor(cursor); err != nil {
		logger.WithError(err).Warn("persist ingest cursor failed")
		return IngestResult{}
	}

	retained := t.processLines(lines)

	settings := t.settings.Get()
	if _, err := t.events.DeleteOlderThan(time.Now().Add(-settings.Retention())); err != nil {
		logger.WithError(err).Debug("event retention sweep failed")
	}

	return IngestResult{Inserted: retained, CursorAdvanced: true}
}

type dedupKey struct {
	offenseType string
	sourceIP    string
	ts          int64
	host        string
	uri         string
}

func (t *Tailer) processLines(lines []string) int {
	seen := make(map[dedupKey]bool)
	retained := 0
	dropped := 0

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		ev, ok := normalizeLine(line)
		if !ok {
			dropped++
			continue
		}

		key := dedupKey{ev.OffenseType, ev.SourceIP, ev.Timestamp.UnixNano(), ev.Host, ev.URI}
		if seen[key] {
			continue
		}
		seen[key] = true

		if t.geo != nil {
			ev.Country = t.geo.Country(ev.SourceIP)
		}

		inserted, err := t.events.Insert(&ev)
		if err != nil {
			logger.WithFields(map[string]interface{}{"ip": ev.SourceIP}).
				WithError(err).Warn("insert event failed")
			continue
		}
		if !inserted {
			continue
		}

		retained++
		if t.onEvent != nil {
			t.onEvent(ev)
		}
	}

	metrics.IncEventsIngested(retained)
	metrics.IncEventsDropped(dropped)
	return retained
}

// rawLine mirrors the gateway's one-JSON-object-per-line event format.
type rawLine struct {
	TS     string      `json:"ts"`
	IP     string      `json:"ip"`
	Type   string      `json:"type"`
	Host   string      `json:"host"`
	Method string      `json:"method"`
	URI    string      `json:"uri"`
	Status int         `json:"status"`
	UA     string      `json:"ua"`
	Ref    string      `json:"ref"`
	Auth   interface{} `json:"auth"`
}

// normalizeLine parses and validates one log line. Lines failing
// required-field validation are dropped, never retried.
func normalizeLine(line string) (models.SecurityEvent, bool) {
	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return models.SecurityEvent{}, false
	}

	if !models.KnownOffenseTypes[raw.Type] {
		return models.SecurityEvent{}, false
	}
	if net.ParseIP(raw.IP) == nil {
		return models.SecurityEvent{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw.TS)
	if err != nil {
		return models.SecurityEvent{}, false
	}

	return models.SecurityEvent{
		Timestamp:     ts.UTC(),
		SourceIP:      raw.IP,
		OffenseType:   raw.Type,
		Host:          raw.Host,
		Method:        raw.Method,
		URI:           raw.URI,
		StatusCode:    raw.Status,
		UserAgent:     raw.UA,
		Referer:       raw.Ref,
		Authenticated: truthy(raw.Auth),
	}, true
}

// truthy coerces the boolean-ish auth field: true, 1 or "1"/"true".
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val == 1
	case string:
		return val == "1" || strings.EqualFold(val, "true")
	default:
		return false
	}
}

func (t *Tailer) loadCursor() (*models.IngestCursor, error) {
	var cursor models.IngestCursor
	err := t.db.Where("log_path = ?", t.logPath).First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.IngestCursor{LogPath: t.logPath}, nil
		}
		return nil, err
	}
	return &cursor, nil
}

func (t *Tailer) saveCursor(cursor *models.IngestCursor) error {
	return t.db.Save(cursor).Error
}

func readRange(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func fileInode(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
