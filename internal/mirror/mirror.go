// Package mirror keeps an in-memory copy of one remote table for a store,
// seeded by a bulk fetch and kept current from the table's change feed.
package mirror

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/metrics"
	"dukaan/backend/internal/remote"
)

type Option func(*Mirror)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mirror) {
		m.metrics = mt
	}
}

type Mirror struct {
	table   string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	rows   map[string]remote.Row
	ids    []string
	seq    uint64
	closed bool

	updates   chan struct{}
	stop      context.CancelFunc
	unsub     remote.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open subscribes to table before fetching it, so changes made while the
// fetch runs are buffered by the feed and applied on top of the fetched rows.
func Open(ctx context.Context, client remote.Client, table string, storeID string, opts ...Option) (*Mirror, error) {
	if err := remote.ValidateTable(table); err != nil {
		return nil, err
	}
	m := &Mirror{
		table:   table,
		logger:  zap.NewNop(),
		rows:    make(map[string]remote.Row),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("table", table), zap.String("store_id", storeID))

	filter := remote.Filter{"store_id": storeID}
	runCtx, stop := context.WithCancel(context.Background())
	events, unsub, err := client.Subscribe(runCtx, table, filter)
	if err != nil {
		stop()
		return nil, err
	}
	m.stop = stop
	m.unsub = unsub

	rows, err := client.Select(ctx, table, filter, &remote.Order{Column: "created_at", Desc: true})
	if err != nil {
		unsub()
		stop()
		return nil, err
	}
	for _, row := range rows {
		id := row.ID()
		if _, ok := m.rows[id]; !ok {
			m.ids = append(m.ids, id)
		}
		m.rows[id] = row
	}
	m.logger.Info("mirror seeded", zap.Int("rows", len(rows)))
	m.notify()

	go m.run(runCtx, events)
	return m, nil
}

func (m *Mirror) run(ctx context.Context, events <-chan remote.ChangeEvent) {
	defer close(m.done)
	defer close(m.updates)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					m.logger.Warn("change feed closed, mirror no longer updating")
				}
				return
			}
			m.apply(ev)
			m.notify()
		}
	}
}

func (m *Mirror) apply(ev remote.ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.seq++

	id := ev.Row.ID()
	if id == "" {
		m.logger.Warn("ignoring change event without id", zap.String("type", string(ev.Type)))
		m.metrics.MirrorInconsistency(m.table)
		return
	}

	switch ev.Type {
	case domain.EventInsert:
		if _, ok := m.rows[id]; !ok {
			m.ids = append([]string{id}, m.ids...)
		}
		m.rows[id] = ev.Row.Clone()
	case domain.EventUpdate:
		if _, ok := m.rows[id]; !ok {
			m.logger.Warn("update for row not in mirror ignored", zap.String("id", id))
			m.metrics.MirrorInconsistency(m.table)
			return
		}
		m.rows[id] = ev.Row.Clone()
	case domain.EventDelete:
		if _, ok := m.rows[id]; !ok {
			return
		}
		delete(m.rows, id)
		for i, existing := range m.ids {
			if existing == id {
				m.ids = append(m.ids[:i], m.ids[i+1:]...)
				break
			}
		}
	default:
		m.logger.Warn("unknown change event type", zap.String("type", string(ev.Type)))
		return
	}
	m.metrics.MirrorEventApplied(m.table, ev.Type)
}

func (m *Mirror) notify() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

func (m *Mirror) Table() string {
	return m.table
}

// Snapshot returns the mirrored rows, newest first.
func (m *Mirror) Snapshot() []remote.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]remote.Row, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, m.rows[id].Clone())
	}
	return out
}

func (m *Mirror) Get(id string) (remote.Row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// Seq is the number of change events processed since Open.
func (m *Mirror) Seq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// Updates signals after the mirror changes. Signals coalesce, so a reader
// should take a fresh Snapshot on each one. The channel is closed when the
// mirror stops.
func (m *Mirror) Updates() <-chan struct{} {
	return m.updates
}

// Close ends the subscription and drops the mirrored rows.
func (m *Mirror) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.rows = make(map[string]remote.Row)
		m.ids = nil
		m.mu.Unlock()

		m.stop()
		m.unsub()
		<-m.done
	})
	return nil
}
