package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/titration-sim/internal/agent"
	"github.com/wolfman30/titration-sim/internal/archive"
	"github.com/wolfman30/titration-sim/internal/observability/metrics"
	"github.com/wolfman30/titration-sim/internal/titration"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

type stubAgent struct{ name string }

func (a *stubAgent) Name() string { return a.name }
func (a *stubAgent) Init(context.Context, *titration.Scenario) error { return nil }
func (a *stubAgent) NextTurn(context.Context, agent.TurnContext) (string, error) {
	return "ok", nil
}

// fakeRunner produces a one-round record per scenario. Behaviour per scenario
// id is configured through the hooks.
type fakeRunner struct {
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	agents   sync.Map // scenario id -> agent pointer
	before   func(sc *titration.Scenario)
	fail     map[string]error
	panics   map[string]bool
}

func (f *fakeRunner) Run(ctx context.Context, sc *titration.Scenario, a agent.Agent, _ *logging.Logger) (*titration.ConversationRecord, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.agents.Store(sc.ID, a)

	if f.before != nil {
		f.before(sc)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panics[sc.ID] {
		panic("agent exploded")
	}

	rec := &titration.ConversationRecord{
		ScenarioID: sc.ID,
		Agent:      a.Name(),
		Status:     titration.StatusCompleted,
		Strategy:   sc.Strategy,
		Difficulty: sc.Difficulty,
		Rounds: []titration.RoundResult{{
			History:    titration.RoundHistory{Round: 1, TerminationReason: titration.ReasonRecommendationDone},
			Evaluation: titration.EncounterEvaluation{Round: 1, Safe: 4, Correct: 4, Optimal: 4, Empathetic: 4, WeightedScore: 0.8},
		}},
		Termination: titration.Termination{Reason: titration.ReasonRecommendationDone, Round: 1, Turn: 4},
		Outcome:     &titration.ProtocolOutcome{Endpoint: titration.EndpointCompleteSuccess, Success: true},
	}
	if err, ok := f.fail[sc.ID]; ok {
		rec.Status = titration.StatusFailed
		rec.Termination = titration.Termination{Reason: titration.ReasonRuntimeError, Round: 1, Early: true}
		rec.Outcome = nil
		return rec, err
	}
	return rec, ctx.Err()
}

func scenarios(n int) []titration.Scenario {
	out := make([]titration.Scenario, n)
	for i := range out {
		out[i] = titration.Scenario{
			ID:         fmt.Sprintf("sc-%02d", i),
			Strategy:   titration.StrategySingleDrug,
			Difficulty: titration.DifficultyEasy,
		}
	}
	return out
}

func stubFactory(agent.Deps) agent.Agent { return &stubAgent{name: "titration"} }

type fakeLedger struct {
	mu       sync.Mutex
	pending  []string
	finished map[string]titration.RecordStatus
}

func (l *fakeLedger) MarkPending(_ context.Context, _, scenarioID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, scenarioID)
	return nil
}

func (l *fakeLedger) MarkFinished(_ context.Context, rec *titration.ConversationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished == nil {
		l.finished = map[string]titration.RecordStatus{}
	}
	l.finished[rec.ScenarioID] = rec.Status
	return nil
}

func TestOrchestrator_BatchesAndConcurrency(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	store := archive.NewFileStore(t.TempDir())
	o := NewOrchestrator(runner, "titration", stubFactory, agent.Deps{}, store,
		WithBatchSize(3), WithRunID("run-test"), WithLogger(logging.Discard()))

	res, err := o.Run(context.Background(), scenarios(7))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Summary.Batches, "ceil(7/3) batches")
	assert.LessOrEqual(t, runner.peak.Load(), int32(3))
	require.Len(t, res.Records, 7)
	for i, rec := range res.Records {
		assert.Equal(t, fmt.Sprintf("sc-%02d", i), rec.ScenarioID, "records keep scenario order")
		assert.Equal(t, "run-test", rec.RunID)
		_, statErr := os.Stat(store.RecordPath("run-test", rec.ScenarioID))
		assert.NoError(t, statErr)
	}
	assert.Equal(t, 7, res.Summary.Completed)
	assert.Equal(t, 1.0, res.Summary.Success.Rate)
}

func TestOrchestrator_FreshAgentPerConversation(t *testing.T) {
	runner := &fakeRunner{}
	o := NewOrchestrator(runner, "titration", stubFactory, agent.Deps{}, archive.NewMultiStore(),
		WithBatchSize(2), WithLogger(logging.Discard()))

	_, err := o.Run(context.Background(), scenarios(2))
	require.NoError(t, err)

	a, _ := runner.agents.Load("sc-00")
	b, _ := runner.agents.Load("sc-01")
	assert.NotSame(t, a, b)
}

func TestOrchestrator_SiblingFailureDoesNotLoseRecords(t *testing.T) {
	dir := t.TempDir()
	store := archive.NewFileStore(dir)
	firstPersisted := make(chan bool, 1)

	runner := &fakeRunner{panics: map[string]bool{"sc-01": true}}
	runner.before = func(sc *titration.Scenario) {
		if sc.ID != "sc-01" {
			return
		}
		// Wait for sc-00 to be written before this sibling blows up.
		path := store.RecordPath("run-test", "sc-00")
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(path); err == nil {
				firstPersisted <- true
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		firstPersisted <- false
	}

	ledger := &fakeLedger{}
	reg := prometheus.NewRegistry()
	o := NewOrchestrator(runner, "titration", stubFactory, agent.Deps{}, store,
		WithBatchSize(2), WithRunID("run-test"), WithLedger(ledger),
		WithMetrics(metrics.NewRunMetrics(reg)), WithLogger(logging.Discard()))

	res, err := o.Run(context.Background(), scenarios(2))
	require.NoError(t, err)
	assert.True(t, <-firstPersisted, "sc-00 must be on disk as soon as its own conversation ends")

	failed := res.Records[1]
	assert.Equal(t, titration.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "panicked")
	assert.Equal(t, titration.ReasonRuntimeError, failed.Termination.Reason)
	_, statErr := os.Stat(store.RecordPath("run-test", "sc-01"))
	assert.NoError(t, statErr, "failure records are persisted too")

	assert.Equal(t, 1, res.Summary.Completed)
	assert.Equal(t, 1, res.Summary.Failed)
	require.Len(t, res.Summary.Failures, 1)
	assert.Equal(t, "sc-01", res.Summary.Failures[0].ScenarioID)

	assert.ElementsMatch(t, []string{"sc-00", "sc-01"}, ledger.pending)
	assert.Equal(t, titration.StatusFailed, ledger.finished["sc-01"])
	assert.Equal(t, titration.StatusCompleted, ledger.finished["sc-00"])

	assert.Equal(t, 1.0, counterValue(t, reg, "titration_simulation_conversations_total", "failed"))
	assert.Equal(t, 1.0, counterValue(t, reg, "titration_simulation_conversations_total", "completed"))
}

func TestOrchestrator_RunnerErrorKeepsPartialRecord(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{"sc-00": &titration.LLMInvocationError{Role: "patient", Attempts: 3, Err: errors.New("throttled")}}}
	o := NewOrchestrator(runner, "titration", stubFactory, agent.Deps{}, archive.NewMultiStore(), WithLogger(logging.Discard()))

	res, err := o.Run(context.Background(), scenarios(1))
	require.NoError(t, err)

	rec := res.Records[0]
	assert.Equal(t, titration.StatusFailed, rec.Status)
	assert.Len(t, rec.Rounds, 1, "completed rounds survive the failure")
	assert.Contains(t, rec.Error, "throttled")
	assert.Equal(t, 0.0, res.Summary.Success.Rate)
}

func TestOrchestrator_CancelledBeforeStart(t *testing.T) {
	runner := &fakeRunner{}
	o := NewOrchestrator(runner, "titration", stubFactory, agent.Deps{}, archive.NewMultiStore(), WithLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.Run(ctx, scenarios(4))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Records)
	assert.Equal(t, 0, res.Summary.Batches)
	assert.Equal(t, int32(0), runner.peak.Load())
}

func TestFailedRecord_WithoutPartial(t *testing.T) {
	sc := &titration.Scenario{ID: "sc-9", Strategy: titration.StrategyMultiDrug, Difficulty: titration.DifficultyAdversarial}
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	rec := failedRecord(nil, sc, "baseline", errors.New("boom"), now)

	assert.Equal(t, "sc-9", rec.ScenarioID)
	assert.Equal(t, "baseline", rec.Agent)
	assert.Equal(t, titration.StatusFailed, rec.Status)
	assert.Equal(t, "boom", rec.Error)
	assert.Equal(t, titration.Termination{Reason: titration.ReasonRuntimeError, Early: true}, rec.Termination)
	assert.Equal(t, now, rec.CompletedAt)
}
