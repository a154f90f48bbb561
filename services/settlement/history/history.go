package history

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"settlecore/core/events"
	"settlecore/core/types"
)

// ErrChainBroken reports a record whose fingerprint does not follow its predecessor.
var ErrChainBroken = errors.New("history: fingerprint chain broken")

// EventRecord is one archived settlement event. Fingerprint chains every
// record to the one before it.
type EventRecord struct {
	Seq         uint64    `gorm:"primaryKey;autoIncrement" json:"seq"`
	Type        string    `gorm:"size:64;index" json:"type"`
	Attributes  string    `gorm:"type:text" json:"-"`
	Fingerprint string    `gorm:"size:64;uniqueIndex" json:"fingerprint"`
	CreatedAt   time.Time `gorm:"index" json:"createdAt"`
}

// Event decodes the stored attributes.
func (r EventRecord) Event() (*types.Event, error) {
	out := &types.Event{Type: r.Type, Attributes: map[string]string{}}
	if r.Attributes == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &out.Attributes); err != nil {
		return nil, fmt.Errorf("history: decode attributes of %d: %w", r.Seq, err)
	}
	return out, nil
}

// Query filters List results.
type Query struct {
	After uint64
	Limit int
	Type  string
}

// Open connects to the archive database. Driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", driver)
	}
}

// Archive persists committed settlement events. It implements events.Emitter.
type Archive struct {
	db     *gorm.DB
	clock  clockwork.Clock
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

// NewArchive migrates the schema and resumes the fingerprint chain.
func NewArchive(ctx context.Context, db *gorm.DB, clock clockwork.Clock, log *slog.Logger) (*Archive, error) {
	if db == nil {
		return nil, fmt.Errorf("history: database required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.WithContext(ctx).AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	a := &Archive{db: db, clock: clock, logger: log}
	var tail EventRecord
	err := db.WithContext(ctx).Order("seq desc").Limit(1).Find(&tail).Error
	if err != nil {
		return nil, fmt.Errorf("history: load tail: %w", err)
	}
	a.last = tail.Fingerprint
	return a, nil
}

// Emit archives the event. Storage failures are logged; the engine state has
// already committed by the time events are emitted.
func (a *Archive) Emit(ev events.Event) {
	if a == nil || ev == nil {
		return
	}
	rendered := &types.Event{Type: ev.EventType()}
	if typed, ok := ev.(events.Typed); ok {
		rendered = typed.Event()
	}
	if _, err := a.Append(context.Background(), rendered); err != nil {
		a.logger.Error("history: archive event",
			slog.String("type", rendered.Type),
			slog.String("error", err.Error()))
	}
}

// Append stores one rendered event and returns its record.
func (a *Archive) Append(ctx context.Context, ev *types.Event) (EventRecord, error) {
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return EventRecord{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := EventRecord{
		Type:        ev.Type,
		Attributes:  string(attrs),
		Fingerprint: Fingerprint(a.last, ev),
		CreatedAt:   a.clock.Now().UTC(),
	}
	if err := a.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return EventRecord{}, err
	}
	a.last = rec.Fingerprint
	return rec, nil
}

// List returns records after q.After in sequence order.
func (a *Archive) List(ctx context.Context, q Query) ([]EventRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	tx := a.db.WithContext(ctx).Where("seq > ?", q.After)
	if t := strings.TrimSpace(q.Type); t != "" {
		tx = tx.Where("type = ?", t)
	}
	var out []EventRecord
	if err := tx.Order("seq asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Verify walks the whole archive and recomputes every fingerprint.
func (a *Archive) Verify(ctx context.Context) error {
	prev := ""
	var batch []EventRecord
	return a.db.WithContext(ctx).Order("seq asc").FindInBatches(&batch, 200, func(tx *gorm.DB, _ int) error {
		for _, rec := range batch {
			ev, err := rec.Event()
			if err != nil {
				return err
			}
			if Fingerprint(prev, ev) != rec.Fingerprint {
				return fmt.Errorf("%w at seq %d", ErrChainBroken, rec.Seq)
			}
			prev = rec.Fingerprint
		}
		return nil
	}).Error
}

// Fingerprint hashes prev together with the event type and its attributes in
// key order.
func Fingerprint(prev string, ev *types.Event) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ev.Type))
	for _, k := range ev.Keys() {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(ev.Attributes[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
