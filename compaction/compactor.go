// Package compaction implements the row compaction engine: a time-ordered
// queue of dirty row keys, a background flush worker, and the merge
// algorithm that collapses all per-datapoint cells of an aging row into a
// single canonical cell.
//
// The backing store repeats the row key on every cell and offers no
// in-place append, so rewriting old rows as one big cell is what keeps
// storage and scan cost down. Once the compacted cell is written, the
// original little cells are deleted.
package compaction

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	tdigest "github.com/caio/go-tdigest/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rajeshal/opentsdb/annotation"
	"github.com/rajeshal/opentsdb/config"
	"github.com/rajeshal/opentsdb/core"
	"github.com/rajeshal/opentsdb/stats"
	"github.com/rajeshal/opentsdb/storage"
)

// Options configures a Compactor. Zero values fall back to the defaults
// noted on each field.
type Options struct {
	// Client is the store the engine reads rows from and writes
	// compacted cells back to. Required when Enabled.
	Client storage.Client
	// MetricWidth is how many bytes the metric id occupies at the front
	// of every row key. Required.
	MetricWidth int
	// Enabled starts the background flush worker on Start. When false
	// the pure Compact path still works but never mutates the store.
	Enabled bool
	// FlushInterval is how often the worker wakes up. Default 10s.
	FlushInterval time.Duration
	// MinFlushThreshold is the queue size at or below which the worker
	// stays idle, and the floor of the adaptive batch size. Default 100.
	MinFlushThreshold int
	// MaxConcurrentFlushes caps in-flight rows. Default 10000.
	MaxConcurrentFlushes int
	// FlushSpeed multiplies the adaptive batch size so the queue drains
	// faster than rows age. Default 2.
	FlushSpeed int
	// MaxTimespan is the width of one row in seconds; rows older than
	// this plus one second are eligible. Default core.MaxTimespan.
	MaxTimespan int64
	// ClaimSkipModulus spreads claim contention between concurrent
	// engines; roughly 1/N of candidates are skipped per pass. Values
	// below 2 disable the skip; 0 means the default of 3.
	ClaimSkipModulus int

	Logger *slog.Logger
	Tracer trace.Tracer
	Clock  core.Clock
}

// Compactor drives rows through the read, merge, put, delete pipeline.
// Writers call Add for every row key they touch; one background worker
// claims aging keys and compacts them.
type Compactor struct {
	client      storage.Client
	metricWidth int
	enabled     bool

	flushInterval        time.Duration
	minFlushThreshold    int
	maxConcurrentFlushes int
	flushSpeed           int
	maxTimespan          int64

	queue *dirtyRowQueue

	logger *slog.Logger
	tracer trace.Tracer
	clock  core.Clock

	trivialCompactions *expvar.Int
	complexCompactions *expvar.Int
	writtenCells       *expvar.Int
	deletedCells       *expvar.Int

	readErrors   *errorHandler
	writeErrors  *errorHandler
	deleteErrors *errorHandler

	durMu          sync.Mutex
	flushDurations *tdigest.TDigest

	started      atomic.Bool
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewCompactor builds a Compactor. Start must be called to launch the
// background worker.
func NewCompactor(opts Options) (*Compactor, error) {
	if opts.MetricWidth <= 0 {
		return nil, fmt.Errorf("metric width must be positive, got %d", opts.MetricWidth)
	}
	if opts.Enabled && opts.Client == nil {
		return nil, fmt.Errorf("a store client is required when compactions are enabled")
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.MinFlushThreshold <= 0 {
		opts.MinFlushThreshold = 100
	}
	if opts.MaxConcurrentFlushes <= 0 {
		opts.MaxConcurrentFlushes = 10000
	}
	if opts.FlushSpeed <= 0 {
		opts.FlushSpeed = 2
	}
	if opts.MaxTimespan <= 0 {
		opts.MaxTimespan = core.MaxTimespan
	}
	if opts.ClaimSkipModulus == 0 {
		opts.ClaimSkipModulus = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "compaction")
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}

	durations, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}

	c := &Compactor{
		client:               opts.Client,
		metricWidth:          opts.MetricWidth,
		enabled:              opts.Enabled,
		flushInterval:        opts.FlushInterval,
		minFlushThreshold:    opts.MinFlushThreshold,
		maxConcurrentFlushes: opts.MaxConcurrentFlushes,
		flushSpeed:           opts.FlushSpeed,
		maxTimespan:          opts.MaxTimespan,
		queue:                newDirtyRowQueue(opts.MetricWidth, opts.ClaimSkipModulus, opts.Clock),
		logger:               opts.Logger,
		tracer:               opts.Tracer,
		clock:                opts.Clock,
		trivialCompactions:   new(expvar.Int),
		complexCompactions:   new(expvar.Int),
		writtenCells:         new(expvar.Int),
		deletedCells:         new(expvar.Int),
		flushDurations:       durations,
		shutdownChan:         make(chan struct{}),
	}
	c.readErrors = &errorHandler{what: "read", c: c}
	c.writeErrors = &errorHandler{what: "put", c: c}
	c.deleteErrors = &errorHandler{what: "delete", c: c}
	return c, nil
}

// NewCompactorFromConfig builds a Compactor from the process
// configuration.
func NewCompactorFromConfig(cfg *config.Config, client storage.Client, logger *slog.Logger, tracer trace.Tracer) (*Compactor, error) {
	return NewCompactor(Options{
		Client:               client,
		MetricWidth:          int(cfg.MetricWidth),
		Enabled:              cfg.Compaction.Enabled,
		FlushInterval:        config.ParseDuration(cfg.Compaction.FlushInterval, 10*time.Second, logger),
		MinFlushThreshold:    cfg.Compaction.MinFlushThreshold,
		MaxConcurrentFlushes: cfg.Compaction.MaxConcurrentFlushes,
		FlushSpeed:           cfg.Compaction.FlushSpeed,
		MaxTimespan:          cfg.Compaction.MaxTimespanSeconds,
		ClaimSkipModulus:     cfg.Compaction.ClaimSkipModulus,
		Logger:               logger,
		Tracer:               tracer,
	})
}

// Add queues a row key for a future compaction. Adding a key already
// queued is a no-op; callers must not mutate the key afterwards.
func (c *Compactor) Add(key []byte) {
	c.queue.Add(key)
}

// QueueSize returns the approximate number of rows waiting to be
// compacted.
func (c *Compactor) QueueSize() int {
	return c.queue.ApproxSize()
}

// Start launches the background flush worker. It does nothing when
// compactions are disabled or the worker is already running.
func (c *Compactor) Start() {
	if !c.enabled || !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.supervise()
	c.logger.Info("started background compaction worker",
		"flush_interval", c.flushInterval.String(), "max_concurrent_flushes", c.maxConcurrentFlushes)
}

// Stop shuts the worker down. The worker performs one final best-effort
// flush of every aging row before exiting.
func (c *Compactor) Stop() {
	select {
	case <-c.shutdownChan:
	default:
		close(c.shutdownChan)
	}
	c.wg.Wait()
}

// supervise keeps exactly one worker alive. A panic inside the worker is
// logged and the worker is respawned after a short backoff so a poisoned
// row cannot kill compaction for good.
func (c *Compactor) supervise() {
	defer c.wg.Done()
	for {
		if done := c.runWorker(); done {
			return
		}
		select {
		case <-c.shutdownChan:
			return
		case <-time.After(time.Second):
		}
	}
}

// runWorker is one life of the flush worker. Reports whether it exited
// cleanly (shutdown) as opposed to dying on a panic.
func (c *Compactor) runWorker() (done bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("compaction worker panicked, respawning", "panic", r)
		}
	}()
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdownChan:
			c.logger.Info("compaction worker interrupted, doing one last flush")
			if err := c.Flush(context.Background()); err != nil {
				c.logger.Error("final compaction flush failed", "error", err)
			}
			return true
		case <-ticker.C:
			c.flushCycle()
		}
	}
}

// flushCycle is one tick of the worker: size the batch proportionally to
// the queue depth and flush it.
func (c *Compactor) flushCycle() {
	size := c.queue.ApproxSize()
	if size <= c.minFlushThreshold {
		return
	}

	// The flush rate is adaptive: with `size' rows queued we must drain
	// them in less than MaxTimespan, otherwise we fall behind once the
	// next row boundary starts filling the queue again. Slicing
	// MaxTimespan by the flush interval gives the fraction of `size' to
	// flush per tick; FlushSpeed makes that faster still so old entries
	// are evicted ahead of schedule.
	maxflushes := size * int(c.flushInterval/time.Second) * c.flushSpeed / int(c.maxTimespan)
	if maxflushes < c.minFlushThreshold {
		maxflushes = c.minFlushThreshold
	}

	ctx := context.Background()
	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "Compactor.flushCycle")
		span.SetAttributes(
			attribute.Int("compaction.queue_size", size),
			attribute.Int("compaction.max_flushes", maxflushes),
		)
		defer span.End()
	}

	start := c.clock.Now()
	cutoff := start.Unix() - c.maxTimespan - 1
	err := c.flushBatch(ctx, cutoff, maxflushes)
	elapsed := c.clock.Now().Sub(start)

	c.durMu.Lock()
	if aerr := c.flushDurations.Add(float64(elapsed.Milliseconds())); aerr != nil {
		c.logger.Warn("failed to record flush duration", "error", aerr)
	}
	c.durMu.Unlock()

	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "flush batch failed")
		}
		c.logger.Error("compaction flush batch failed", "error", err)
	}
	newSize := c.queue.ApproxSize()
	c.logger.Debug("compaction flush cycle done",
		"took", elapsed.String(), "queue_size", newSize, "delta", newSize-size)
}

// Flush forces a flush of the currently aging rows in the queue,
// regardless of batch sizing. The claim skip still applies, so with a
// ClaimSkipModulus of 2 or more the rows in the skipped hash bucket stay
// queued. It returns once every claimed row has been driven through its
// pipeline.
func (c *Compactor) Flush(ctx context.Context) error {
	if size := c.queue.ApproxSize(); size > 0 {
		c.logger.Info("flushing all old outstanding rows", "rows", size)
	}
	cutoff := c.clock.Now().Unix() - c.maxTimespan - 1
	return c.flushBatch(ctx, cutoff, math.MaxInt)
}

// flushBatch claims up to max rows older than cutoff and compacts them
// concurrently, bounded by MaxConcurrentFlushes. When the concurrency cap
// was the binding limit and budget remains, the store client is hinted to
// flush its batched RPCs and another round is started.
func (c *Compactor) flushBatch(ctx context.Context, cutoff int64, max int) error {
	if size := c.queue.ApproxSize(); max > size {
		max = size
	}
	if max <= 0 {
		return nil
	}

	budget := max
	if budget > c.maxConcurrentFlushes {
		budget = c.maxConcurrentFlushes
	}
	claimed := c.queue.ClaimBatch(cutoff, budget)
	if len(claimed) == 0 {
		return nil
	}
	if span := trace.SpanFromContext(ctx); span != nil && span.IsRecording() {
		span.SetAttributes(attribute.Int("compaction.claimed", len(claimed)))
	}

	var g errgroup.Group
	for _, key := range claimed {
		key := key
		g.Go(func() error {
			return c.flushRow(ctx, key)
		})
	}
	err := g.Wait()

	if len(claimed) == c.maxConcurrentFlushes && max-len(claimed) > 0 {
		// We kicked off as many compactions as allowed and there is
		// budget left; speed the outstanding RPCs up and go again.
		c.client.Flush()
		if nerr := c.flushBatch(ctx, cutoff, max-len(claimed)); err == nil {
			err = nerr
		}
	}
	return err
}

// flushRow drives one claimed row through read, merge, put, delete.
func (c *Compactor) flushRow(ctx context.Context, key []byte) error {
	cells, err := c.client.Get(ctx, key)
	if err != nil {
		return c.readErrors.handle(err)
	}
	var notes []annotation.Annotation
	res, err := c.merge(key, cells, &notes)
	if err != nil {
		if core.IsMalformedRow(err) {
			// Not re-queued: the row needs an operator-level repair.
			c.logger.Error("row cannot be compacted", "error", err)
		}
		return err
	}
	if res.Outcome == OutcomeEmpty {
		c.logger.Debug("attempted to compact a row that doesn't exist", "row", core.PrettyKey(key))
		return nil
	}
	return c.applyMerge(ctx, key, res)
}

// applyMerge performs the store mutations a merge calls for: write the
// canonical cell, then delete the superseded originals. The delete is
// only issued after a successful put so a failure can never lose data.
func (c *Compactor) applyMerge(ctx context.Context, key []byte, res *mergeResult) error {
	if !c.enabled {
		return nil
	}
	if res.Write {
		c.writtenCells.Add(1)
		if err := c.client.Put(ctx, key, res.Cell.Qualifier, res.Cell.Value); err != nil {
			return c.writeErrors.handle(err)
		}
	} else if len(res.Deletes) == 0 {
		return nil
	}
	if len(res.Deletes) > 0 {
		c.deletedCells.Add(int64(len(res.Deletes)))
		if err := c.client.Delete(ctx, key, res.Deletes); err != nil {
			return c.deleteErrors.handle(err)
		}
	}
	return nil
}

// Compact merges the given cells of one row in memory and returns the
// canonical cell, appending any annotation documents found to
// annotations. When compactions are enabled and the row is old enough,
// the canonical cell is also written back and the originals deleted,
// asynchronously; read paths get their merged view either way.
func (c *Compactor) Compact(key []byte, cells []core.Cell, annotations *[]annotation.Annotation) (core.Cell, error) {
	res, err := c.merge(key, cells, annotations)
	if err != nil {
		return core.Cell{}, err
	}
	if !c.enabled || (!res.Write && len(res.Deletes) == 0) {
		return res.Cell, nil
	}
	baseTime := int64(core.BaseTime(key, c.metricWidth))
	cutoff := c.clock.Now().Unix() - c.maxTimespan - 1
	if baseTime > cutoff {
		// Too recent; hand the merged view back without touching the
		// store.
		return res.Cell, nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if aerr := c.applyMerge(context.Background(), key, res); aerr != nil {
			c.logger.Error("write-back of compacted row failed", "row", core.PrettyKey(key), "error", aerr)
		}
	}()
	return res.Cell, nil
}

// DiscardQueue throws the whole queue away. Compaction debt is
// recoverable (writers re-queue active rows continuously); it exists as
// an escape hatch for memory emergencies.
func (c *Compactor) DiscardQueue() int {
	n := c.queue.Discard()
	if n > 0 {
		c.logger.Error("discarded the compaction queue", "rows", n)
	}
	return n
}

// CollectStats emits the engine's counters through the collector.
func (c *Compactor) CollectStats(collector stats.Collector) {
	collector.Record("compaction.count", c.trivialCompactions.Value(), "type=trivial")
	collector.Record("compaction.count", c.complexCompactions.Value(), "type=complex")
	if !c.enabled {
		return
	}
	// The remaining stats only make sense with compactions enabled.
	collector.Record("compaction.queue.size", int64(c.queue.ApproxSize()))
	collector.Record("compaction.errors", c.readErrors.errors.Load(), "rpc=read")
	collector.Record("compaction.errors", c.writeErrors.errors.Load(), "rpc=put")
	collector.Record("compaction.errors", c.deleteErrors.errors.Load(), "rpc=delete")
	collector.Record("compaction.writes", c.writtenCells.Value())
	collector.Record("compaction.deletes", c.deletedCells.Value())

	c.durMu.Lock()
	if c.flushDurations.Count() > 0 {
		collector.Record("compaction.flush.duration_ms", int64(c.flushDurations.Quantile(0.5)), "quantile=p50")
		collector.Record("compaction.flush.duration_ms", int64(c.flushDurations.Quantile(0.99)), "quantile=p99")
	}
	c.durMu.Unlock()
}

// errorHandler classifies the failures of one kind of store RPC. A
// throttle signal re-queues the row and counts as handled; anything else
// is counted, rate-limit logged and propagated.
type errorHandler struct {
	what   string
	c      *Compactor
	errors atomic.Int64
}

func (h *errorHandler) handle(err error) error {
	if throttle, ok := storage.AsThrottle(err); ok {
		if len(throttle.Key) > 0 {
			// The store is not keeping up. Re-schedule the row for a
			// future compaction and report this pipeline as done.
			h.c.Add(throttle.Key)
			return nil
		}
		h.c.logger.Error("throttled rpc carries no row key, cannot retry", "rpc", h.what, "error", err)
	}
	// Lossy increments are fine here; an approximate rate is all the
	// log limiter needs.
	if n := h.errors.Add(1); n%100 == 1 {
		h.c.logger.Error("failed to "+h.what+" a row to re-compact", "error", err, "errors", n)
	}
	return err
}
