package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/vmirz/kaspr/pkg/ingest"
)

const (
	kmsActionAdd = "ADD"

	headerAction    = "x-kms-action"
	headerDeliverAt = "x-kms-deliver-at"
	headerDeliverTo = "x-kms-deliver-to"
)

// AssignmentExitCode is the process exit code used when partition assignment
// validation fails. The process is unusable at that point; an external
// supervisor restarts it cleanly.
const AssignmentExitCode = 42

// Manager owns the Timetable and coordinates the scheduling engine: it
// ingests requests from the input topic, writes scheduling actions into the
// Timetable, and assigns or revokes per-partition Dispatchers and Janitors
// as the consumer group rebalances.
type Manager struct {
	services.Service

	cfg      Config
	kafkaCfg ingest.KafkaConfig
	logger   log.Logger
	monitor  Monitor
	reg      prometheus.Registerer

	group       *kgo.Client // consumer group over input + actions
	writer      *kgo.Client // manual partitioner: actions re-publish, dlq, changelog
	destWriter  *kgo.Client // default partitioner: destination topics
	admin       *kadm.Client
	timetable   *Timetable
	checkpoints *Checkpoint

	recoveryMetrics *kprom.Metrics

	topicsCreated      *gate
	timetableRecovered *gate

	mu          sync.Mutex
	dispatchers map[int32]*Dispatcher
	janitors    map[int32]*Janitor

	// instanceID distinguishes this worker's group member and clients in
	// broker logs across restarts.
	instanceID string

	statsMu          sync.Mutex
	scheduledTotal   map[int32]int64
	instantSendTotal map[int32]int64

	destTopics sync.Map // topic name -> struct{}

	// exit is swapped out in tests of the assignment guard.
	exit func(code int)
}

func NewManager(cfg Config, kafkaCfg ingest.KafkaConfig, monitor Monitor, reg prometheus.Registerer, logger log.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:                cfg,
		kafkaCfg:           kafkaCfg,
		instanceID:         uuid.NewString(),
		logger:             log.With(logger, "component", "scheduler"),
		monitor:            monitor,
		reg:                reg,
		topicsCreated:      newGate(false),
		timetableRecovered: newGate(false),
		dispatchers:        make(map[int32]*Dispatcher),
		janitors:           make(map[int32]*Janitor),
		scheduledTotal:     make(map[int32]int64),
		instantSendTotal:   make(map[int32]int64),
		exit:               os.Exit,
	}
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m, nil
}

func (m *Manager) starting(ctx context.Context) error {
	level.Info(m.logger).Log("msg", "scheduler starting", "instance", m.instanceID)

	var err error

	m.writer, err = ingest.NewWriterClient(m.kafkaCfg, ingest.NewWriterClientMetrics("scheduler_writer", m.reg), m.logger,
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	if err != nil {
		return fmt.Errorf("creating changelog writer: %w", err)
	}
	m.admin = kadm.NewClient(m.writer)

	m.destWriter, err = ingest.NewWriterClient(m.kafkaCfg, ingest.NewWriterClientMetrics("scheduler_destinations", m.reg), m.logger)
	if err != nil {
		return fmt.Errorf("creating destination writer: %w", err)
	}
	m.recoveryMetrics = ingest.NewReaderClientMetrics("timetable_recovery", m.reg)

	m.timetable = NewTimetable(m.cfg.TimetableChangelogTopic(), m.writer, m.newChangelogReader, m.logger)
	m.checkpoints = NewCheckpoint(m.timetable, m.cfg.CheckpointSaveInterval, m.topicsCreated, m.monitor, m.logger)

	if err := m.EnsureTopics(ctx); err != nil {
		return err
	}

	if err := services.StartAndAwaitRunning(ctx, m.checkpoints); err != nil {
		return fmt.Errorf("starting checkpoint service: %w", err)
	}

	m.group, err = ingest.NewReaderClient(m.kafkaCfg, ingest.NewReaderClientMetrics("scheduler_group", m.reg), m.logger,
		kgo.ConsumerGroup(m.kafkaCfg.ConsumerGroup),
		kgo.ClientID(m.kafkaCfg.ClientID+"-"+m.instanceID),
		kgo.ConsumeTopics(m.cfg.InputTopic(), m.cfg.ActionsTopic()),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(m.handlePartitionsAssigned),
		kgo.OnPartitionsRevoked(m.handlePartitionsRevoked),
		kgo.OnPartitionsLost(m.handlePartitionsLost),
	)
	if err != nil {
		return fmt.Errorf("creating group consumer: %w", err)
	}

	return nil
}

func (m *Manager) newChangelogReader(partition int32) (*kgo.Client, error) {
	return ingest.NewReaderClient(m.kafkaCfg, m.recoveryMetrics, m.logger,
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			m.cfg.TimetableChangelogTopic(): {partition: kgo.NewOffset().AtStart()},
		}),
	)
}

// EnsureTopics declares the scheduler's internal topics. Workers wait on the
// topicsCreated gate before scanning or persisting.
func (m *Manager) EnsureTopics(ctx context.Context) error {
	p := m.cfg.TopicPartitions

	compact := "compact,delete"
	changelogConfigs := map[string]*string{"cleanup.policy": &compact}

	for _, t := range []struct {
		name       string
		partitions int32
		configs    map[string]*string
	}{
		{m.cfg.InputTopic(), p, nil},
		{m.cfg.ActionsTopic(), p, nil},
		{m.cfg.DLQTopic(), 1, nil},
		{m.cfg.TimetableChangelogTopic(), p, changelogConfigs},
	} {
		if err := ingest.EnsureTopic(ctx, m.admin, t.name, t.partitions, t.configs); err != nil {
			return fmt.Errorf("ensuring topic %s: %w", t.name, err)
		}
	}

	m.topicsCreated.Set()
	level.Info(m.logger).Log("msg", "scheduler topics ready", "partitions", p)
	return nil
}

func (m *Manager) running(ctx context.Context) error {
	if m.cfg.DebugStatsEnabled {
		go m.printStats(ctx)
	}

	for {
		fetches := m.group.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		var fatal error
		fetches.EachError(func(topic string, partition int32, err error) {
			if ctx.Err() != nil {
				return
			}
			level.Error(m.logger).Log("msg", "fetch error", "topic", topic, "partition", partition, "err", err)
			fatal = err
		})
		if fatal != nil {
			// A poll fault is not recoverable locally; crash the service so
			// the runtime rebalances us away.
			return fmt.Errorf("fetching from scheduler topics: %w", fatal)
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			switch rec.Topic {
			case m.cfg.InputTopic():
				m.distribute(ctx, rec)
			case m.cfg.ActionsTopic():
				m.processActions(ctx, rec)
			}
		})

		if err := m.group.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			level.Warn(m.logger).Log("msg", "offset commit failed", "err", err)
		}
	}
}

func (m *Manager) stopping(_ error) error {
	level.Info(m.logger).Log("msg", "scheduler stopping")

	m.pauseWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m.waitEmptyWorkers(ctx)

	if m.checkpoints != nil {
		m.checkpoints.Flush()
	}
	m.removeAllWorkers(ctx)
	if m.checkpoints != nil {
		if err := services.StopAndAwaitTerminated(ctx, m.checkpoints); err != nil {
			level.Warn(m.logger).Log("msg", "stopping checkpoint service", "err", err)
		}
	}

	if m.group != nil {
		m.group.Close()
	}
	if m.destWriter != nil {
		m.destWriter.Close()
	}
	if m.writer != nil {
		m.writer.Close()
	}
	return nil
}

// --- rebalance handling ---------------------------------------------------

func (m *Manager) handlePartitionsAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	m.validateAssignment(assigned)
	m.onRebalanceStarted()

	actions := assigned[m.cfg.ActionsTopic()]
	for _, p := range actions {
		if err := m.timetable.Recover(ctx, p); err != nil {
			level.Error(m.logger).Log("msg", "timetable recovery failed", "partition", p, "err", err)
			m.timetable.Revoke(p)
			continue
		}
		m.assignDispatcher(ctx, p)
		m.assignJanitor(ctx, p)
	}

	m.timetableRecovered.Set()
	m.checkpoints.Resume()
	m.resumeWorkers()

	if len(actions) > 0 {
		level.Info(m.logger).Log("msg", "scheduler partitions assigned", "partitions", int32sString(actions))
		level.Info(m.logger).Log("msg", "scheduler checkpoints\n"+m.CheckpointsTable())
	}
}

func (m *Manager) handlePartitionsRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	m.onRebalanceStarted()
	m.checkpoints.Flush()

	for _, p := range revoked[m.cfg.ActionsTopic()] {
		m.revokeDispatcher(ctx, p)
		m.revokeJanitor(ctx, p)
		m.timetable.Revoke(p)
	}
	// Checkpoint stays paused until recovery of the next assignment
	// completes.
}

func (m *Manager) handlePartitionsLost(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
	// Lost partitions already belong to someone else: drop state without
	// flushing checkpoints against them.
	m.onRebalanceStarted()
	for _, p := range lost[m.cfg.ActionsTopic()] {
		m.revokeDispatcher(ctx, p)
		m.revokeJanitor(ctx, p)
		m.timetable.Revoke(p)
	}
}

func (m *Manager) onRebalanceStarted() {
	m.timetableRecovered.Clear()
	m.checkpoints.OnRebalanceStarted()
	m.checkpoints.Pause()
	m.pauseWorkers()
}

// validateAssignment guards the invariants every other invariant rests on:
// the runtime may only hand us partitions that exist for our topics, and
// never one we already run workers for. Violation means the group state and
// ours have diverged; continuing silently would corrupt the Timetable, so
// the process exits for a supervisor restart.
func (m *Manager) validateAssignment(assigned map[string][]int32) {
	fail := func(msg string, kv ...any) {
		level.Error(m.logger).Log(append([]any{"msg", "partition assignment invariant violated: " + msg}, kv...)...)
		m.exit(AssignmentExitCode)
	}

	for topic, parts := range assigned {
		if topic != m.cfg.InputTopic() && topic != m.cfg.ActionsTopic() {
			fail("unexpected topic", "topic", topic)
		}
		seen := make(map[int32]struct{}, len(parts))
		for _, p := range parts {
			if p < 0 || p >= m.cfg.TopicPartitions {
				fail("partition out of range", "topic", topic, "partition", p)
			}
			if _, dup := seen[p]; dup {
				fail("duplicate partition", "topic", topic, "partition", p)
			}
			seen[p] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range assigned[m.cfg.ActionsTopic()] {
		if _, ok := m.dispatchers[p]; ok {
			fail("partition assigned twice", "partition", p)
		}
	}
}

func (m *Manager) assignDispatcher(ctx context.Context, partition int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dispatchers[partition]; ok {
		return
	}
	d := NewDispatcher(
		partition, m.cfg.Dispatcher,
		m.timetable, m.checkpoints, m.destWriter, m.EnsureDestTopic,
		m.topicsCreated, m.timetableRecovered,
		m.monitor, m.logger,
	)
	if err := services.StartAndAwaitRunning(ctx, d); err != nil {
		level.Error(m.logger).Log("msg", "starting dispatcher", "partition", partition, "err", err)
		return
	}
	m.dispatchers[partition] = d
	m.monitor.OnDispatcherAssigned(partition)
}

func (m *Manager) assignJanitor(ctx context.Context, partition int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.janitors[partition]; ok {
		return
	}
	j := NewJanitor(
		partition, m.cfg.Janitor, m.cfg.Dispatcher.DefaultCheckpointLookback,
		m.timetable, m.checkpoints,
		m.topicsCreated, m.timetableRecovered,
		m.monitor, m.logger,
	)
	if err := services.StartAndAwaitRunning(ctx, j); err != nil {
		level.Error(m.logger).Log("msg", "starting janitor", "partition", partition, "err", err)
		return
	}
	m.janitors[partition] = j
	m.monitor.OnJanitorAssigned(partition)
}

func (m *Manager) revokeDispatcher(ctx context.Context, partition int32) {
	m.mu.Lock()
	d, ok := m.dispatchers[partition]
	if ok {
		delete(m.dispatchers, partition)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := services.StopAndAwaitTerminated(ctx, d); err != nil {
		level.Warn(m.logger).Log("msg", "stopping dispatcher", "partition", partition, "err", err)
	}
	m.monitor.OnDispatcherRevoked(partition)
}

func (m *Manager) revokeJanitor(ctx context.Context, partition int32) {
	m.mu.Lock()
	j, ok := m.janitors[partition]
	if ok {
		delete(m.janitors, partition)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := services.StopAndAwaitTerminated(ctx, j); err != nil {
		level.Warn(m.logger).Log("msg", "stopping janitor", "partition", partition, "err", err)
	}
	m.monitor.OnJanitorRevoked(partition)
}

func (m *Manager) removeAllWorkers(ctx context.Context) {
	for _, p := range m.dispatcherPartitions() {
		m.revokeDispatcher(ctx, p)
		m.revokeJanitor(ctx, p)
	}
}

func (m *Manager) pauseWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dispatchers {
		d.Pause()
	}
	for _, j := range m.janitors {
		j.Pause()
	}
}

func (m *Manager) resumeWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dispatchers {
		d.Resume()
	}
	for _, j := range m.janitors {
		j.Resume()
	}
}

func (m *Manager) waitEmptyWorkers(ctx context.Context) {
	level.Info(m.logger).Log("msg", "waiting for in-flight deliveries and removals")
	var wg sync.WaitGroup
	m.mu.Lock()
	for _, d := range m.dispatchers {
		wg.Add(1)
		go func(d *Dispatcher) { defer wg.Done(); d.WaitEmpty(ctx) }(d)
	}
	for _, j := range m.janitors {
		wg.Add(1)
		go func(j *Janitor) { defer wg.Done(); j.WaitEmpty(ctx) }(j)
	}
	m.mu.Unlock()
	wg.Wait()
}

func (m *Manager) dispatcherPartitions() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := make([]int32, 0, len(m.dispatchers))
	for p := range m.dispatchers {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, k int) bool { return ps[i] < ps[k] })
	return ps
}

// --- ingress agents -------------------------------------------------------

type dlqEntry struct {
	Key     string            `json:"key"`
	Value   string            `json:"value"`
	Headers map[string]string `json:"headers"`
	Errors  []string          `json:"errors"`
}

// distribute transforms requests from the input topic into Timetable
// scheduling actions, short-circuiting past-due messages straight to their
// destination.
func (m *Manager) distribute(ctx context.Context, rec *kgo.Record) {
	headers := headerMap(rec.Headers)
	action := popHeader(headers, headerAction, kmsActionAdd)
	deliverAt := popHeader(headers, headerDeliverAt, "")
	deliverTo := popHeader(headers, headerDeliverTo, "")

	if deliverAt == "" || deliverTo == "" {
		var errs []string
		if deliverAt == "" {
			errs = append(errs, fmt.Sprintf("missing required header `%s`", headerDeliverAt))
		}
		if deliverTo == "" {
			errs = append(errs, fmt.Sprintf("missing required header `%s`", headerDeliverTo))
		}
		m.sendToDLQ(ctx, rec, headers, errs)
		return
	}

	ts, err := parseDeliverAt(deliverAt)
	if err != nil {
		m.sendToDLQ(ctx, rec, headers, []string{err.Error()})
		return
	}
	timeKey := ts.Unix()

	// A message scheduled before the current timekey is past due and
	// goes straight out. processActions does this as well: the clock keeps
	// moving between the two hops.
	if timeKey < CurrentTimeKey() {
		m.instantSend(ctx, rec.Partition, deliverTo, rec.Key, rec.Value, headers)
		return
	}

	out := &kgo.Record{
		Topic:     m.cfg.ActionsTopic(),
		Partition: rec.Partition,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers: append(kafkaHeaders(headers),
			kgo.RecordHeader{Key: headerAction, Value: []byte(action)},
			kgo.RecordHeader{Key: headerDeliverAt, Value: []byte(strconv.FormatInt(timeKey, 10))},
			kgo.RecordHeader{Key: headerDeliverTo, Value: []byte(deliverTo)},
		),
	}
	m.writer.Produce(ctx, out, func(_ *kgo.Record, err error) {
		if err != nil {
			level.Error(m.logger).Log("msg", "forwarding to actions topic failed", "partition", rec.Partition, "err", err)
		}
	})
}

// processActions writes scheduling actions into the Timetable partition this
// worker owns: one counter update and one message record per action.
func (m *Manager) processActions(ctx context.Context, rec *kgo.Record) {
	headers := headerMap(rec.Headers)
	action := popHeader(headers, headerAction, kmsActionAdd)
	deliverAt := popHeader(headers, headerDeliverAt, "")
	deliverTo := popHeader(headers, headerDeliverTo, "")

	if action != kmsActionAdd {
		level.Warn(m.logger).Log("msg", "ignoring unknown scheduler action", "action", action)
		return
	}

	timeKey, err := strconv.ParseInt(deliverAt, 10, 64)
	if err != nil {
		level.Error(m.logger).Log("msg", "malformed action timekey", "deliver_at", deliverAt, "err", err)
		return
	}

	partition := rec.Partition
	if timeKey < CurrentTimeKey() {
		m.instantSend(ctx, partition, deliverTo, rec.Key, rec.Value, headers)
		return
	}

	count := m.timetable.GetCount(partition, timeKey)
	loc := TTLocation{Partition: partition, TimeKey: timeKey, Sequence: int32(count)}
	record := Record{
		Key:     string(rec.Key),
		Value:   string(rec.Value),
		Headers: headers,
		KMS:     RecordMeta{Destination: deliverTo},
	}
	raw, err := encodeRecord(record)
	if err != nil {
		level.Error(m.logger).Log("msg", "encoding timetable record", "location", loc, "err", err)
		return
	}

	// Counter first, record second. The time key is not before the current
	// second, so it lies beyond the dispatcher's wallclock-1 highwater when
	// the two writes are made.
	if err := m.timetable.Update(partition, timeKeyEntry(timeKey), encodeCount(count+1), nil); err != nil {
		level.Error(m.logger).Log("msg", "timetable counter write failed", "location", loc, "err", err)
		return
	}
	if err := m.timetable.Update(partition, messageKey(loc), raw, nil); err != nil {
		level.Error(m.logger).Log("msg", "timetable record write failed", "location", loc, "err", err)
		return
	}

	m.monitor.OnMessageScheduled(loc)
	m.statsMu.Lock()
	m.scheduledTotal[partition]++
	m.statsMu.Unlock()
}

func (m *Manager) instantSend(ctx context.Context, partition int32, topic string, key, value []byte, headers map[string]string) {
	if err := m.EnsureDestTopic(ctx, topic); err != nil {
		level.Error(m.logger).Log("msg", "cannot resolve destination for instant send", "topic", topic, "err", err)
		return
	}

	m.statsMu.Lock()
	m.instantSendTotal[partition]++
	m.statsMu.Unlock()
	m.monitor.OnInstantSend(partition)

	m.destWriter.Produce(ctx, &kgo.Record{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: kafkaHeaders(headers),
	}, func(_ *kgo.Record, err error) {
		if err != nil {
			level.Error(m.logger).Log("msg", "instant send failed", "topic", topic, "partition", partition, "err", err)
			return
		}
		m.monitor.OnMessageDelivered(partition)
	})
}

func (m *Manager) sendToDLQ(ctx context.Context, rec *kgo.Record, headers map[string]string, errs []string) {
	entry := dlqEntry{
		Key:     string(rec.Key),
		Value:   string(rec.Value),
		Headers: headers,
		Errors:  errs,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		level.Error(m.logger).Log("msg", "encoding dlq entry", "err", err)
		return
	}
	m.writer.Produce(ctx, &kgo.Record{
		Topic:     m.cfg.DLQTopic(),
		Partition: 0,
		Key:       rec.Key,
		Value:     raw,
	}, func(_ *kgo.Record, err error) {
		if err != nil {
			level.Error(m.logger).Log("msg", "dlq produce failed", "err", err)
		}
	})
	level.Warn(m.logger).Log("msg", "ingress rejected", "errors", fmt.Sprintf("%v", errs))
}

// EnsureDestTopic declares a destination topic on first use. Handles are
// memoized per worker; the broker owns partitioning for destinations.
func (m *Manager) EnsureDestTopic(ctx context.Context, topic string) error {
	if topic == "" {
		return fmt.Errorf("empty destination topic")
	}
	if _, ok := m.destTopics.Load(topic); ok {
		return nil
	}
	if err := ingest.EnsureTopic(ctx, m.admin, topic, m.cfg.TopicPartitions, nil); err != nil {
		return err
	}
	m.destTopics.Store(topic, struct{}{})
	return nil
}

// --- introspection --------------------------------------------------------

// WaitUntilTopicsCreated blocks until the scheduler's topics exist.
func (m *Manager) WaitUntilTopicsCreated(ctx context.Context) error {
	return m.topicsCreated.Wait(ctx)
}

// WaitUntilTimetableRecovered blocks until all owned partitions finished
// changelog recovery after the last rebalance.
func (m *Manager) WaitUntilTimetableRecovered(ctx context.Context) error {
	return m.timetableRecovered.Wait(ctx)
}

// ScheduledTotal returns how many messages this worker wrote to the
// timetable for partition since startup.
func (m *Manager) ScheduledTotal(partition int32) int64 {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.scheduledTotal[partition]
}

// InstantSendTotal returns how many past-due messages this worker sent out
// directly for partition since startup.
func (m *Manager) InstantSendTotal(partition int32) int64 {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.instantSendTotal[partition]
}

// CheckpointsTable renders the checkpoint of every owned worker: the pending
// update if one is buffered, else the persisted value, else the default.
func (m *Manager) CheckpointsTable() string {
	w := table.NewWriter()
	w.SetTitle("Timetable Partition Set")
	w.AppendHeader(table.Row{"process", "partition", "timekey", "sequence", "timestamp", "behind (seconds)"})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range sortedKeys(m.dispatchers) {
		d := m.dispatchers[p]
		cp := m.checkpoints.GetOrDefault(d.pt(), d.DefaultCheckpoint())
		w.AppendRow(table.Row{"Dispatcher", cp.Partition, cp.TimeKey, cp.Sequence, prettyDate(cp), locDiff(d.Highwater(), cp)})
	}
	for _, p := range sortedKeys(m.janitors) {
		j := m.janitors[p]
		cp := m.checkpoints.GetOrDefault(j.pt(), j.DefaultCheckpoint())
		behind := int64(0)
		if hw, ok := j.Highwater(); ok {
			behind = locDiff(hw, cp)
		}
		w.AppendRow(table.Row{"Janitor", cp.Partition, cp.TimeKey, cp.Sequence, prettyDate(cp), behind})
	}
	return w.Render()
}

// StatsTable renders live scan positions and throughput counters.
func (m *Manager) StatsTable() string {
	w := table.NewWriter()
	w.SetTitle("Lag")
	w.AppendHeader(table.Row{"process", "partition", "timekey", "sequence", "timestamp", "behind (seconds)", "processed", "total scheduled", "immediate sends"})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range sortedKeys(m.dispatchers) {
		d := m.dispatchers[p]
		last := d.LastLocation()
		if last == nil {
			continue
		}
		w.AppendRow(table.Row{
			"Dispatcher", last.Partition, last.TimeKey, last.Sequence, prettyDate(*last),
			locDiff(d.Highwater(), *last), d.DeliveredTotal(), m.ScheduledTotal(p), m.InstantSendTotal(p),
		})
	}
	for _, p := range sortedKeys(m.janitors) {
		j := m.janitors[p]
		last := j.LastLocation()
		if last == nil {
			continue
		}
		behind := int64(0)
		if hw, ok := j.Highwater(); ok {
			behind = locDiff(hw, *last)
		}
		w.AppendRow(table.Row{
			"Janitor", last.Partition, last.TimeKey, last.Sequence, prettyDate(*last),
			behind, j.RemovedTotal(), "-", "-",
		})
	}
	return w.Render()
}

func (m *Manager) printStats(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level.Info(m.logger).Log("msg", "scheduler stats\n"+m.StatsTable())
		}
	}
}

// --- helpers --------------------------------------------------------------

func popHeader(headers map[string]string, key, def string) string {
	v, ok := headers[key]
	if !ok {
		return def
	}
	delete(headers, key)
	return v
}

// parseDeliverAt accepts ISO-8601 timestamps, with or without fractional
// seconds; a timestamp with no zone is taken as UTC.
func parseDeliverAt(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s header: %w", headerDeliverAt, err)
	}
	return ts, nil
}

func sortedKeys[V any](m map[int32]V) []int32 {
	ks := make([]int32, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Slice(ks, func(i, k int) bool { return ks[i] < ks[k] })
	return ks
}

func int32sString(ps []int32) string {
	out := ""
	for i, p := range ps {
		if i > 0 {
			out += ","
		}
		out += strconv.FormatInt(int64(p), 10)
	}
	return out
}
