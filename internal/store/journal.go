// Package store keeps an audit journal of outbound deliveries in SQLite.
// It is a journal, not a queue: nothing recorded here is ever replayed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"wagateway/internal/bus"
	"wagateway/internal/domain"

	_ "modernc.org/sqlite"
)

// Delivery statuses.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when no delivery matches.
var ErrNotFound = errors.New("delivery not found")

// Delivery is one journal row.
type Delivery struct {
	ID         int64           `json:"id"`
	MessageID  string          `json:"messageId,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	Recipient  string          `json:"recipient"`
	Kind       string          `json:"kind"` // text | media
	Attachment string          `json:"attachment,omitempty"`
	Ack        domain.AckLevel `json:"ack"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// ackQueueSize bounds ack updates waiting for the database.
const ackQueueSize = 256

// Journal is the SQLite-backed delivery journal.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	eb       *bus.EventBus
	follower string
	acks     chan bus.AckUpdate
	drained  chan struct{}
}

// Open opens (creating if needed) the journal at dbPath and migrates it.
func Open(dbPath string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Journal{db: db, logger: logger.With("component", "journal")}, nil
}

// Close stops following the bus, applies queued ack updates and closes the
// database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	if j.eb != nil {
		j.eb.Off(bus.EventMessageAck, j.follower)
	}
	acks := j.acks
	j.mu.Unlock()

	if acks != nil {
		close(acks)
		<-j.drained
	}
	return j.db.Close()
}

// Ping checks the database connection.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Record inserts a delivery and returns its row id.
func (j *Journal) Record(ctx context.Context, d Delivery) (int64, error) {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	if d.Status == "" {
		d.Status = StatusSent
	}
	d.CreatedAt, d.UpdatedAt = d.CreatedAt.UTC(), d.UpdatedAt.UTC()
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO deliveries (message_id, request_id, recipient, kind, attachment, ack, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.MessageID, d.RequestID, d.Recipient, d.Kind, d.Attachment, int(d.Ack), d.Status, d.Error, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("record delivery: %w", err)
	}
	return res.LastInsertId()
}

// UpdateAck raises the ack level of messageID. Acks never move backwards,
// except to the error tier. Unknown ids are not an error.
func (j *Journal) UpdateAck(ctx context.Context, messageID string, level domain.AckLevel) error {
	status := StatusSent
	switch {
	case level == domain.AckError:
		status = StatusFailed
	case level.Delivered():
		status = StatusDelivered
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE deliveries SET ack = ?, status = ?, updated_at = ?
		 WHERE message_id = ? AND (ack < ? OR ? = -1)`,
		int(level), status, time.Now().UTC(), messageID, int(level), int(level),
	)
	if err != nil {
		return fmt.Errorf("update ack: %w", err)
	}
	return nil
}

// Get returns the most recent delivery for messageID.
func (j *Journal) Get(ctx context.Context, messageID string) (*Delivery, error) {
	row := j.db.QueryRowContext(ctx, selectDeliveries+` WHERE message_id = ? ORDER BY id DESC LIMIT 1`, messageID)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// Recent returns up to limit deliveries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, selectDeliveries+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Counts returns the number of deliveries per status.
func (j *Journal) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// Prune deletes deliveries created before cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM deliveries WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

// Follow applies ack updates published on eb. Updates are queued and
// written by a journal goroutine so Emit never waits on SQLite; when the
// queue is full the update is dropped with a warning. It returns the handler
// id.
func (j *Journal) Follow(eb *bus.EventBus) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ""
	}
	if j.acks == nil {
		j.acks = make(chan bus.AckUpdate, ackQueueSize)
		j.drained = make(chan struct{})
		go j.applyAcks(j.acks)
	}
	if j.eb != nil {
		j.eb.Off(bus.EventMessageAck, j.follower)
	}
	j.eb = eb
	j.follower = eb.On(bus.EventMessageAck, func(e bus.Event) {
		a, ok := e.Data.(bus.AckUpdate)
		if !ok {
			return
		}
		j.enqueueAck(a)
	})
	return j.follower
}

func (j *Journal) enqueueAck(a bus.AckUpdate) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.acks <- a:
	default:
		j.logger.Warn("journal ack queue full, dropping update", "message_id", a.MessageID, "ack", a.Level)
	}
}

func (j *Journal) applyAcks(acks <-chan bus.AckUpdate) {
	defer close(j.drained)
	for a := range acks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := j.UpdateAck(ctx, a.MessageID, a.Level); err != nil {
			j.logger.Warn("journal ack update failed", "message_id", a.MessageID, "err", err)
		}
		cancel()
	}
}

const selectDeliveries = `SELECT id, COALESCE(message_id, ''), COALESCE(request_id, ''), recipient, kind,
	COALESCE(attachment, ''), ack, status, COALESCE(error, ''), created_at, updated_at FROM deliveries`

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(s scanner) (*Delivery, error) {
	var d Delivery
	var ack int
	if err := s.Scan(&d.ID, &d.MessageID, &d.RequestID, &d.Recipient, &d.Kind,
		&d.Attachment, &ack, &d.Status, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Ack = domain.AckLevel(ack)
	return &d, nil
}
