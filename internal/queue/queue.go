// Package queue keeps sales committed while offline in device-local storage
// until the sync coordinator has replayed them against the remote store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/localstore"
)

const (
	PendingKey          = "offline_sales"
	RejectedKey         = "offline_sales_rejected"
	CorruptBackupPrefix = "offline_sales_corrupt_"
)

var (
	ErrQueueCorruption = errors.New("offline queue corruption")
	ErrNotQueued       = errors.New("sale is not queued")
	ErrInvalidRecord   = errors.New("invalid pending sale record")
)

// Corruption describes a stored entry that could not be read back as a sale.
// Index is -1 when the whole stored value was unreadable.
type Corruption struct {
	Index     int
	BackupKey string
	Raw       string
	Err       error
}

func (c Corruption) Error() string {
	if c.Index < 0 {
		return fmt.Sprintf("%v: stored queue unreadable, backed up to %s: %v", ErrQueueCorruption, c.BackupKey, c.Err)
	}
	return fmt.Sprintf("%v: entry %d: %v", ErrQueueCorruption, c.Index, c.Err)
}

func (c Corruption) Unwrap() error {
	return ErrQueueCorruption
}

type RejectedRecord struct {
	Record     domain.PendingSaleRecord `json:"record"`
	Reason     string                   `json:"reason"`
	RejectedAt string                   `json:"rejectedAt"`
}

type entry struct {
	raw    json.RawMessage
	record *domain.PendingSaleRecord
}

// unreadableQueue is raised inside an update when the stored queue is not a
// JSON array at all.
type unreadableQueue struct {
	raw string
	err error
}

func (u *unreadableQueue) Error() string {
	return "offline queue unreadable: " + u.err.Error()
}

// Store is the offline sale queue. Every change is a single atomic update of
// the stored array, so several Stores may share one KV.
type Store struct {
	kv     localstore.KV
	logger *zap.Logger
	now    func() time.Time
}

func New(kv localstore.KV, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:     kv,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue appends record and returns once it is stored. A record whose
// invoice number is already queued is left as it is.
func (s *Store) Enqueue(ctx context.Context, record domain.PendingSaleRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("%w: missing invoice number", ErrInvalidRecord)
	}
	if len(record.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidRecord)
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return s.update(ctx, func(entries []entry) ([]entry, bool, error) {
		for _, e := range entries {
			if e.record != nil && e.record.ID == record.ID {
				s.logger.Info("sale already queued", zap.String("invoice_number", record.ID))
				return nil, false, nil
			}
		}
		stored := cloneRecord(record)
		return append(entries, entry{raw: raw, record: &stored}), true, nil
	})
}

// ListPending returns valid records in enqueue order. Entries that fail to
// parse are skipped and reported in the returned corruption list.
func (s *Store) ListPending(ctx context.Context) ([]domain.PendingSaleRecord, []Corruption, error) {
	entries, corrupt, err := s.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	records := make([]domain.PendingSaleRecord, 0, len(entries))
	for _, e := range entries {
		if e.record != nil {
			records = append(records, cloneRecord(*e.record))
		}
	}
	return records, corrupt, nil
}

// Remove deletes the record queued under invoiceNumber. Removing an invoice
// that is not queued is not an error.
func (s *Store) Remove(ctx context.Context, invoiceNumber string) error {
	return s.update(ctx, func(entries []entry) ([]entry, bool, error) {
		kept := make([]entry, 0, len(entries))
		removed := false
		for _, e := range entries {
			if e.record != nil && e.record.ID == invoiceNumber {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
		return kept, removed, nil
	})
}

func (s *Store) Count(ctx context.Context) (int, error) {
	entries, _, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.record != nil {
			n++
		}
	}
	return n, nil
}

// RecordProgress stores the commit progress of a queued sale.
func (s *Store) RecordProgress(ctx context.Context, invoiceNumber string, progress domain.CommitProgress) error {
	return s.update(ctx, func(entries []entry) ([]entry, bool, error) {
		for i, e := range entries {
			if e.record == nil || e.record.ID != invoiceNumber {
				continue
			}
			updated := cloneRecord(*e.record)
			p := cloneProgress(progress)
			updated.Progress = &p
			raw, err := json.Marshal(updated)
			if err != nil {
				return nil, false, err
			}
			entries[i] = entry{raw: raw, record: &updated}
			return entries, true, nil
		}
		return nil, false, fmt.Errorf("%w: %s", ErrNotQueued, invoiceNumber)
	})
}

// Reject moves a record to the dead-letter list so it stops being replayed.
// The dead-letter copy is written before the pending entry is removed.
func (s *Store) Reject(ctx context.Context, record domain.PendingSaleRecord, reason string) error {
	err := s.kv.Update(ctx, RejectedKey, func(current string, ok bool) (string, bool, error) {
		rejected, err := decodeRejected(current, ok)
		if err != nil {
			return "", false, err
		}
		for _, r := range rejected {
			if r.Record.ID == record.ID {
				return "", false, nil
			}
		}
		rejected = append(rejected, RejectedRecord{
			Record:     record,
			Reason:     reason,
			RejectedAt: s.now().Format(time.RFC3339Nano),
		})
		payload, err := json.Marshal(rejected)
		if err != nil {
			return "", false, err
		}
		return string(payload), true, nil
	})
	if err != nil {
		return fmt.Errorf("write rejected sales: %w", err)
	}

	s.logger.Warn("sale moved to rejected list",
		zap.String("invoice_number", record.ID),
		zap.String("reason", reason),
	)
	return s.Remove(ctx, record.ID)
}

func (s *Store) ListRejected(ctx context.Context) ([]RejectedRecord, error) {
	value, ok, err := s.kv.Get(ctx, RejectedKey)
	if err != nil {
		return nil, fmt.Errorf("read rejected sales: %w", err)
	}
	return decodeRejected(value, ok)
}

// update applies fn to the stored entries as one atomic change. An
// unreadable queue is backed up and reset first.
func (s *Store) update(ctx context.Context, fn func([]entry) ([]entry, bool, error)) error {
	for attempt := 0; ; attempt++ {
		err := s.kv.Update(ctx, PendingKey, func(current string, ok bool) (string, bool, error) {
			entries, _, err := s.decode(current, ok)
			if err != nil {
				return "", false, err
			}
			next, changed, err := fn(entries)
			if err != nil || !changed {
				return "", false, err
			}
			payload, err := encode(next)
			if err != nil {
				return "", false, err
			}
			return payload, true, nil
		})

		var unreadable *unreadableQueue
		if errors.As(err, &unreadable) && attempt == 0 {
			if _, err := s.resetUnreadable(ctx, unreadable); err != nil {
				return err
			}
			continue
		}
		if err != nil && !errors.Is(err, ErrNotQueued) {
			return fmt.Errorf("write offline queue: %w", err)
		}
		return err
	}
}

func (s *Store) load(ctx context.Context) ([]entry, []Corruption, error) {
	value, ok, err := s.kv.Get(ctx, PendingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("read offline queue: %w", err)
	}
	entries, corrupt, err := s.decode(value, ok)
	var unreadable *unreadableQueue
	if errors.As(err, &unreadable) {
		c, err := s.resetUnreadable(ctx, unreadable)
		if err != nil {
			return nil, nil, err
		}
		return nil, []Corruption{c}, nil
	}
	return entries, corrupt, err
}

func (s *Store) decode(value string, ok bool) ([]entry, []Corruption, error) {
	if !ok || strings.TrimSpace(value) == "" {
		return nil, nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(value), &raws); err != nil {
		return nil, nil, &unreadableQueue{raw: value, err: err}
	}

	entries := make([]entry, 0, len(raws))
	var corrupt []Corruption
	for i, raw := range raws {
		record, err := parseRecord(raw)
		if err != nil {
			corrupt = append(corrupt, Corruption{Index: i, Raw: string(raw), Err: err})
			s.logger.Warn("skipping corrupt queued sale", zap.Int("index", i), zap.Error(err))
			entries = append(entries, entry{raw: raw})
			continue
		}
		entries = append(entries, entry{raw: raw, record: record})
	}
	return entries, corrupt, nil
}

// resetUnreadable copies the unreadable value to a fresh backup key, then
// resets the queue unless someone already replaced the bad value.
func (s *Store) resetUnreadable(ctx context.Context, u *unreadableQueue) (Corruption, error) {
	backupKey, err := s.backupKey(ctx)
	if err != nil {
		return Corruption{}, err
	}
	if err := s.kv.Set(ctx, backupKey, u.raw); err != nil {
		return Corruption{}, fmt.Errorf("back up unreadable offline queue: %w", err)
	}
	err = s.kv.Update(ctx, PendingKey, func(current string, _ bool) (string, bool, error) {
		if current != u.raw {
			return "", false, nil
		}
		return "[]", true, nil
	})
	if err != nil {
		return Corruption{}, fmt.Errorf("reset unreadable offline queue: %w", err)
	}
	s.logger.Error("offline queue unreadable, backed up and reset",
		zap.String("backup_key", backupKey),
		zap.Error(u.err),
	)
	return Corruption{Index: -1, BackupKey: backupKey, Raw: u.raw, Err: u.err}, nil
}

func (s *Store) backupKey(ctx context.Context) (string, error) {
	base := CorruptBackupPrefix + strconv.FormatInt(s.now().UnixNano(), 10)
	key := base
	for n := 1; ; n++ {
		_, exists, err := s.kv.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("check queue backup key: %w", err)
		}
		if !exists {
			return key, nil
		}
		key = base + "_" + strconv.Itoa(n)
	}
}

func encode(entries []entry) (string, error) {
	raws := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		raws = append(raws, e.raw)
	}
	payload, err := json.Marshal(raws)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func decodeRejected(value string, ok bool) ([]RejectedRecord, error) {
	if !ok || strings.TrimSpace(value) == "" {
		return []RejectedRecord{}, nil
	}
	var rejected []RejectedRecord
	if err := json.Unmarshal([]byte(value), &rejected); err != nil {
		return nil, fmt.Errorf("%w: rejected list: %v", ErrQueueCorruption, err)
	}
	return rejected, nil
}

func parseRecord(raw json.RawMessage) (*domain.PendingSaleRecord, error) {
	var record domain.PendingSaleRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	if strings.TrimSpace(record.ID) == "" {
		return nil, errors.New("missing id")
	}
	if len(record.Items) == 0 {
		return nil, errors.New("no items")
	}
	for _, item := range record.Items {
		if item.ID == "" {
			return nil, errors.New("item without id")
		}
	}
	return &record, nil
}

func cloneRecord(in domain.PendingSaleRecord) domain.PendingSaleRecord {
	out := in
	out.Items = append([]domain.PendingItem(nil), in.Items...)
	if in.CustomerData != nil {
		c := *in.CustomerData
		out.CustomerData = &c
	}
	if in.Progress != nil {
		p := cloneProgress(*in.Progress)
		out.Progress = &p
	}
	return out
}

func cloneProgress(in domain.CommitProgress) domain.CommitProgress {
	out := in
	out.LineItems = append([]string(nil), in.LineItems...)
	out.StockDecremented = append([]string(nil), in.StockDecremented...)
	out.Adjusted = append([]string(nil), in.Adjusted...)
	return out
}
