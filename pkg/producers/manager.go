package producers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/sources"
	"github.com/logsift/logsift/pkg/telemetry"
)

const (
	reconcileInterval = 30 * time.Second
	heartbeatInterval = 60 * time.Second
)

type runningProducer struct {
	producer   Producer
	kind       string
	configHash string
	cancel     context.CancelFunc
	done       chan struct{}
}

// Manager keeps one supervised producer per enabled data source.
type Manager struct {
	store   sources.Store
	rdb     *broker.Client
	metrics *telemetry.Metrics

	mu      sync.Mutex
	running map[int]*runningProducer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds the producer manager. metrics may be nil.
func NewManager(store sources.Store, rdb *broker.Client, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		store:   store,
		rdb:     rdb,
		metrics: metrics,
		running: make(map[int]*runningProducer),
	}
}

// Start runs the reconcile and heartbeat loops until Stop.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	if err := m.rdb.WaitReady(ctx); err != nil {
		close(m.done)
		return err
	}
	if err := m.Reconcile(ctx); err != nil {
		slog.Warn("Initial producer reconcile failed", "error", err)
	}

	go func() {
		defer close(m.done)
		reconcile := time.NewTicker(reconcileInterval)
		heartbeat := time.NewTicker(heartbeatInterval)
		defer reconcile.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-reconcile.C:
				if err := m.Reconcile(ctx); err != nil {
					slog.Warn("Producer reconcile failed", "error", err)
				}
			case <-heartbeat.C:
				slog.Info("Producer heartbeat", "active_sources", m.ActiveIDs())
			}
		}
	}()
	return nil
}

// Stop cancels every producer and waits for the loops to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	running := make([]*runningProducer, 0, len(m.running))
	for id, rp := range m.running {
		running = append(running, rp)
		delete(m.running, id)
	}
	m.mu.Unlock()
	for _, rp := range running {
		rp.cancel()
		<-rp.done
	}
}

// Reconcile aligns running producers with the enabled sources: start missing,
// stop removed, restart changed.
func (m *Manager) Reconcile(ctx context.Context) error {
	enabled, err := m.store.ListEnabled(ctx)
	if err != nil {
		return err
	}

	want := make(map[int]sources.DataSource, len(enabled))
	for _, src := range enabled {
		want[src.ID] = src
	}

	m.mu.Lock()
	var toStop []*runningProducer
	for id, rp := range m.running {
		src, keep := want[id]
		if keep && rp.configHash == hashConfig(src) {
			continue
		}
		toStop = append(toStop, rp)
		delete(m.running, id)
	}
	m.mu.Unlock()
	for _, rp := range toStop {
		rp.cancel()
		<-rp.done
	}

	for _, src := range enabled {
		m.mu.Lock()
		_, already := m.running[src.ID]
		m.mu.Unlock()
		if already {
			continue
		}
		m.startSource(ctx, src)
	}
	return nil
}

// ActiveIDs returns the ids of currently running sources, sorted.
func (m *Manager) ActiveIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (m *Manager) startSource(ctx context.Context, src sources.DataSource) {
	if src.Type == "telegraf" {
		slog.Info("Skipping telegraf source, ingestion is push-based", "source_id", src.ID, "name", src.Name)
		return
	}
	factory, err := factoryFor(src.Type)
	if err != nil {
		slog.Warn("No producer for source type", "source_id", src.ID, "type", src.Type)
		return
	}

	producer, err := factory(src.Config, m.emitter(src.ID))
	if err != nil {
		slog.Warn("Producer construction failed", "source_id", src.ID, "type", src.Type, "error", err)
		return
	}

	pctx, cancel := context.WithCancel(ctx)
	rp := &runningProducer{
		producer:   producer,
		kind:       src.Type,
		configHash: hashConfig(src),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	m.mu.Lock()
	m.running[src.ID] = rp
	m.mu.Unlock()

	go m.supervise(pctx, src.ID, rp)
	slog.Info("Started producer", "source_id", src.ID, "type", src.Type, "name", src.Name)
}

// supervise restarts a crashed producer with exponential backoff; a clean
// return resets the backoff.
func (m *Manager) supervise(ctx context.Context, sourceID int, rp *runningProducer) {
	defer close(rp.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := rp.producer.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		delay := bo.NextBackOff()
		if err != nil {
			slog.Info("Producer crashed, restarting", "source_id", sourceID, "type", rp.kind, "delay", delay, "error", err)
		} else {
			bo.Reset()
			delay = bo.NextBackOff()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// emitter wraps broker append, tagging entries with the source id.
func (m *Manager) emitter(sourceID int) Emitter {
	return func(ctx context.Context, fields map[string]any) error {
		fields["source_id"] = strconv.Itoa(sourceID)
		_, err := m.rdb.Append(ctx, broker.StreamLogs, fields)
		if err == nil && m.metrics != nil {
			m.metrics.MessagesConsumed.WithLabelValues("producer").Inc()
		}
		return err
	}
}

func hashConfig(src sources.DataSource) string {
	payload, _ := json.Marshal(map[string]any{"type": src.Type, "config": src.Config})
	return string(payload)
}
