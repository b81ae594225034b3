// Package batch runs scenarios through the simulator in fixed-size concurrent
// batches and folds the resulting records into a summary.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/titration-sim/internal/agent"
	"github.com/wolfman30/titration-sim/internal/archive"
	"github.com/wolfman30/titration-sim/internal/observability/metrics"
	"github.com/wolfman30/titration-sim/internal/titration"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

const defaultBatchSize = 5

// Runner plays one scenario to completion. *simulator.Simulator satisfies it.
// On failure it returns whatever partial record it has alongside the error.
type Runner interface {
	Run(ctx context.Context, sc *titration.Scenario, a agent.Agent, logger *logging.Logger) (*titration.ConversationRecord, error)
}

// Orchestrator admits at most batchSize conversations at a time. Each batch
// is a barrier: the next one starts only when every conversation in the
// current one has finished and been persisted.
type Orchestrator struct {
	runner    Runner
	factory   agent.Factory
	deps      agent.Deps
	agentName string
	store     archive.Store
	ledger    archive.Ledger
	metrics   *metrics.RunMetrics
	logger    *logging.Logger
	batchSize int
	runID     string
	now       func() time.Time
}

// Option customizes orchestrator behavior.
type Option func(*Orchestrator)

// WithBatchSize sets the number of conversations run concurrently.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.runID = id
		}
	}
}

func WithLedger(l archive.Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

func WithMetrics(m *metrics.RunMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator builds an orchestrator. A fresh agent is built from factory
// for every conversation so agents never share state.
func NewOrchestrator(runner Runner, agentName string, factory agent.Factory, deps agent.Deps, store archive.Store, opts ...Option) *Orchestrator {
	if runner == nil {
		panic("batch: runner cannot be nil")
	}
	if factory == nil {
		panic("batch: agent factory cannot be nil")
	}
	if store == nil {
		panic("batch: store cannot be nil")
	}
	o := &Orchestrator{
		runner:    runner,
		factory:   factory,
		deps:      deps,
		agentName: agentName,
		store:     store,
		logger:    logging.Default(),
		batchSize: defaultBatchSize,
		runID:     uuid.NewString(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) RunID() string { return o.runID }

// Result is everything a run produced.
type Result struct {
	Records []*titration.ConversationRecord
	Summary *titration.BatchSummary
}

// Run executes every scenario and returns the records in scenario order plus
// the summary. Conversation failures are recorded, never returned. A cancelled
// context stops further batches from being admitted; the summary then covers
// only the conversations that ran and ctx.Err() is returned with it.
func (o *Orchestrator) Run(ctx context.Context, scenarios []titration.Scenario) (*Result, error) {
	logger := o.logger.With("run_id", o.runID, "agent", o.agentName)
	records := make([]*titration.ConversationRecord, len(scenarios))
	batches := 0

	logger.Info("run starting", "scenarios", len(scenarios), "batch_size", o.batchSize)
	var runErr error
	for start := 0; start < len(scenarios); start += o.batchSize {
		if err := ctx.Err(); err != nil {
			runErr = err
			logger.Warn("run cancelled, no further batches admitted", "completed_batches", batches)
			break
		}
		end := min(start+o.batchSize, len(scenarios))
		batches++
		o.runBatch(ctx, batches, scenarios[start:end], records[start:end], logger)
	}

	ran := make([]*titration.ConversationRecord, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			ran = append(ran, rec)
		}
	}
	summary := Summarize(o.runID, o.agentName, batches, ran, o.now().UTC())
	logger.Info("run finished",
		"batches", batches,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"success_rate", summary.Success.Rate,
	)
	return &Result{Records: ran, Summary: summary}, runErr
}

// runBatch writes each conversation's record into its own slot of out, so
// the goroutines share no mutable state.
func (o *Orchestrator) runBatch(ctx context.Context, n int, scenarios []titration.Scenario, out []*titration.ConversationRecord, logger *logging.Logger) {
	start := o.now()
	logger.Info("batch starting", "batch", n, "size", len(scenarios))

	var wg sync.WaitGroup
	for i := range scenarios {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = o.runOne(ctx, &scenarios[i], logger.With("scenario_id", scenarios[i].ID))
		}(i)
	}
	wg.Wait()

	o.metrics.ObserveBatch(o.now().Sub(start))
	logger.Info("batch finished", "batch", n, "elapsed", o.now().Sub(start).String())
}

// runOne is the fault boundary for a conversation. It always returns a
// record, and that record has been handed to the store before it returns.
func (o *Orchestrator) runOne(ctx context.Context, sc *titration.Scenario, logger *logging.Logger) *titration.ConversationRecord {
	if o.ledger != nil {
		if err := o.ledger.MarkPending(ctx, o.runID, sc.ID, o.agentName); err != nil {
			logger.Warn("ledger mark pending failed", "error", err.Error())
		}
	}

	rec, err := o.simulate(ctx, sc, logger)
	if err != nil {
		var rerr *titration.ConversationRuntimeError
		if !errors.As(err, &rerr) {
			rerr = &titration.ConversationRuntimeError{ScenarioID: sc.ID, Err: err}
		}
		rec = failedRecord(rec, sc, o.agentName, rerr, o.now().UTC())
		logger.Error("conversation failed", "error", rerr.Error())
	}
	rec.RunID = o.runID
	o.metrics.ObserveConversation(string(rec.Status))

	// A cancelled run still persists what it finished.
	saveCtx := context.WithoutCancel(ctx)
	if err := o.store.SaveRecord(saveCtx, rec); err != nil {
		logger.Error("failed to persist conversation record", "error", err.Error())
	}
	if o.ledger != nil {
		if err := o.ledger.MarkFinished(saveCtx, rec); err != nil {
			logger.Warn("ledger mark finished failed", "error", err.Error())
		}
	}
	return rec
}

func (o *Orchestrator) simulate(ctx context.Context, sc *titration.Scenario, logger *logging.Logger) (rec *titration.ConversationRecord, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &titration.ConversationRuntimeError{ScenarioID: sc.ID, Panic: p, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	a := o.factory(o.deps)
	return o.runner.Run(ctx, sc, a, logger)
}

// failedRecord keeps whatever the runner produced before failing.
func failedRecord(partial *titration.ConversationRecord, sc *titration.Scenario, agentName string, err error, now time.Time) *titration.ConversationRecord {
	rec := partial
	if rec == nil {
		rec = &titration.ConversationRecord{
			ScenarioID: sc.ID,
			Agent:      agentName,
			Strategy:   sc.Strategy,
			Difficulty: sc.Difficulty,
			StartedAt:  now,
		}
	}
	rec.Status = titration.StatusFailed
	rec.Error = err.Error()
	if rec.Termination.Reason == "" {
		rec.Termination = titration.Termination{Reason: titration.ReasonRuntimeError, Early: true}
		if n := len(rec.Rounds); n > 0 {
			rec.Termination.Round = rec.Rounds[n-1].History.Round
		}
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = now
	}
	return rec
}
