// Package workflow implements the stage scheduler: it walks an ordered,
// optionally partially-parallel list of stage definitions, resolves each
// stage's agent, invokes it through the retry executor and circuit
// breaker, routes flagged stages through the approval gate, and threads
// results into dependent stages.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/stageflow/agent"
	"github.com/BaSui01/stageflow/approval"
	"github.com/BaSui01/stageflow/circuitbreaker"
	"github.com/BaSui01/stageflow/internal/metrics"
	"github.com/BaSui01/stageflow/retry"
	"github.com/BaSui01/stageflow/types"
)

// AgentResolver is the orchestrator surface the scheduler depends on. It
// resolves a stage's agent, records exchanges into durable memory, and
// produces memory snapshots for prompt construction. Implementations
// no-op memory calls for identities that are not registered.
type AgentResolver interface {
	ResolveAgent(def StageDefinition) (agent.Agent, error)
	RecordExchange(ctx context.Context, identity string, input types.TaskInput, result types.TaskResult) error
	History(ctx context.Context, identity string) ([]string, error)
}

// Scheduler executes stage lists. It owns the workflow context for the
// lifetime of one run and is the only writer to it.
type Scheduler struct {
	settings   Settings
	resolver   AgentResolver
	breakers   *circuitbreaker.Registry
	executor   *retry.Executor
	channel    approval.Channel
	gate       *approval.Gate
	validators map[string]types.Validator
	collector  *metrics.Collector
	emit       EventEmitter
	logger     *zap.Logger
	now        func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithApprovalChannel enables the approval gate, backed by the given
// channel and the settings' timeout policy.
func WithApprovalChannel(channel approval.Channel) SchedulerOption {
	return func(s *Scheduler) { s.channel = channel }
}

// WithValidator registers a named validator, usable as a stage Validator
// or Reviewer reference.
func WithValidator(v types.Validator) SchedulerOption {
	return func(s *Scheduler) { s.validators[v.Name()] = v }
}

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) SchedulerOption {
	return func(s *Scheduler) { s.collector = c }
}

// WithEventEmitter attaches a lifecycle event callback.
func WithEventEmitter(emit EventEmitter) SchedulerOption {
	return func(s *Scheduler) { s.emit = emit }
}

// NewScheduler creates a scheduler bound to an orchestrator handle.
func NewScheduler(resolver AgentResolver, settings Settings, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		settings:   settings.normalized(),
		resolver:   resolver,
		validators: make(map[string]types.Validator),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	// The gate is built after all options so it sees the final logger,
	// regardless of option order.
	if s.channel != nil {
		s.gate = approval.NewGate(s.channel, approval.Config{
			Timeout:   s.settings.ApprovalTimeout,
			OnTimeout: s.settings.OnApprovalTimeout,
		}, s.logger)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))

	s.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold: s.settings.BreakerThreshold,
		Cooldown:  s.settings.BreakerCooldown,
		OnStateChange: func(key string, from, to circuitbreaker.State) {
			s.collector.RecordBreakerState(key, int(to))
		},
	}, s.logger)
	s.executor = retry.NewExecutor(s.breakers, s.logger)
	return s
}

// Breakers exposes the circuit-breaker registry, mainly for inspection.
func (s *Scheduler) Breakers() *circuitbreaker.Registry {
	return s.breakers
}

// stageRun is the per-stage runtime bookkeeping of one Execute call.
type stageRun struct {
	def         StageDefinition
	state       StageState
	pendingDeps int
	dependents  []int
	outcome     StageOutcome
	resolved    bool
	dispatched  bool
}

type completion struct {
	idx     int
	outcome StageOutcome
}

// Execute runs the stage list to completion and aggregates every stage's
// result (or failure reason) into a Result. Load-time configuration
// errors (duplicate ids, dependency cycles, unknown references) are
// returned as errors before any stage starts; runtime stage failures are
// reported inside the Result.
func (s *Scheduler) Execute(ctx context.Context, defs []StageDefinition) (*Result, error) {
	start := s.now()

	normalized := make([]StageDefinition, len(defs))
	for i, d := range defs {
		normalized[i] = d.Normalized(s.settings.DefaultRetry)
	}
	if err := validateStages(normalized); err != nil {
		return nil, err
	}
	if err := s.validateReferences(normalized); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := s.logger.With(zap.String("run_id", runID))
	log.Info("starting workflow",
		zap.Int("stages", len(normalized)),
		zap.Bool("parallel", s.settings.Parallel),
		zap.Int("workers", s.workers()),
	)

	var runCtx context.Context
	var cancel context.CancelFunc
	if s.settings.PipelineTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.settings.PipelineTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	runs := buildRuns(normalized)
	wfCtx := NewContext()

	var g errgroup.Group
	g.SetLimit(s.workers())
	completions := make(chan completion, len(runs))

	ready := make([]int, 0, len(runs))
	for i := range runs {
		if runs[i].pendingDeps == 0 {
			runs[i].state = StageReady
			s.emitEvent(Event{Type: EventStageReady, StageID: runs[i].def.ID})
			ready = append(ready, i)
		}
	}

	resolvedCount := 0
	running := 0
	aborted := false
	timedOut := false
	doneCh := runCtx.Done()

	for resolvedCount < len(runs) {
		// Dispatch only while a worker slot is free, so completions are
		// always processed before further stages start. This is what makes
		// fail-fast deterministic with a single worker.
		if !aborted && len(ready) > 0 && running < s.workers() {
			idx := ready[0]
			ready = ready[1:]
			run := &runs[idx]
			run.state = StageExecuting
			run.dispatched = true
			running++
			s.emitEvent(Event{Type: EventStageExecuting, StageID: run.def.ID})

			// The upstream snapshot is taken before dispatch; dependents
			// are only enqueued after their dependencies' writes commit,
			// which establishes the happens-before edge.
			def := run.def
			upstream := s.upstreamFor(def, wfCtx)
			g.Go(func() error {
				completions <- completion{idx: idx, outcome: s.runStage(runCtx, def, upstream)}
				return nil
			})
			continue
		}

		if running == 0 {
			// Nothing in flight and nothing ready: every unresolved stage
			// is blocked behind a failure or an abort.
			s.resolveBlocked(runs, &resolvedCount, timedOut, false)
			continue
		}

		select {
		case c := <-completions:
			running--
			run := &runs[c.idx]
			if run.resolved {
				continue
			}
			outcome := c.outcome

			if runCtx.Err() != nil && !aborted {
				aborted = true
				timedOut = runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
			}
			if timedOut {
				// The workflow is timed out: in-flight results are
				// discarded.
				outcome = timeoutOutcome(run.def.ID)
			}

			s.commit(wfCtx, run, outcome, log)
			resolvedCount++

			if outcome.Status == StatusSucceeded {
				for _, depIdx := range run.dependents {
					dep := &runs[depIdx]
					dep.pendingDeps--
					if dep.pendingDeps == 0 && !aborted && !dep.resolved {
						dep.state = StageReady
						s.emitEvent(Event{Type: EventStageReady, StageID: dep.def.ID})
						ready = append(ready, depIdx)
					}
				}
			} else {
				s.skipDependents(runs, run, &resolvedCount, log)
				if !run.def.Optional && outcome.Status == StatusFailed && !aborted {
					log.Warn("required stage failed, aborting workflow",
						zap.String("stage_id", run.def.ID),
					)
					aborted = true
					cancel()
				}
			}

		case <-doneCh:
			if !aborted {
				aborted = true
				timedOut = runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
			}
			doneCh = nil
			cancel()
			// Every unresolved stage, in flight or not, resolves now.
			// Late completions land in the buffered channel and are
			// discarded; in-flight goroutines observe the canceled
			// context and unwind.
			s.resolveBlocked(runs, &resolvedCount, timedOut, true)
		}
	}

	if running == 0 {
		// All stage goroutines have delivered their completions.
		_ = g.Wait()
	}

	result := &Result{
		RunID:        runID,
		Stages:       make([]StageOutcome, len(runs)),
		TotalElapsed: s.now().Sub(start),
		Success:      true,
	}
	for i := range runs {
		result.Stages[i] = runs[i].outcome
		if !runs[i].def.Optional && runs[i].outcome.Status != StatusSucceeded {
			result.Success = false
		}
	}

	log.Info("workflow finished",
		zap.Bool("success", result.Success),
		zap.Duration("elapsed", result.TotalElapsed),
	)
	return result, nil
}

func (s *Scheduler) workers() int {
	if !s.settings.Parallel {
		return 1
	}
	return s.settings.Workers
}

// validateReferences checks that every validator/reviewer name resolves.
func (s *Scheduler) validateReferences(defs []StageDefinition) error {
	for _, d := range defs {
		for _, name := range []string{d.Validator, d.Reviewer} {
			if name == "" {
				continue
			}
			if _, ok := s.validators[name]; !ok {
				return types.NewError(types.ErrConfiguration,
					fmt.Sprintf("stage %q references unknown validator %q", d.ID, name)).WithStage(d.ID)
			}
		}
		if d.RequireApproval && s.gate == nil {
			return types.NewError(types.ErrConfiguration,
				fmt.Sprintf("stage %q requires approval but no approval channel is configured", d.ID)).WithStage(d.ID)
		}
	}
	return nil
}

func buildRuns(defs []StageDefinition) []stageRun {
	runs := make([]stageRun, len(defs))
	index := make(map[string]int, len(defs))
	for i, d := range defs {
		runs[i] = stageRun{def: d, state: StagePending, pendingDeps: len(d.DependsOn)}
		index[d.ID] = i
	}
	for i, d := range defs {
		for _, dep := range d.DependsOn {
			j := index[dep]
			runs[j].dependents = append(runs[j].dependents, i)
		}
	}
	return runs
}

// upstreamFor snapshots the outputs of the stage's dependencies.
func (s *Scheduler) upstreamFor(def StageDefinition, wfCtx *Context) map[string]string {
	if len(def.DependsOn) == 0 {
		return nil
	}
	upstream := make(map[string]string, len(def.DependsOn))
	for _, dep := range def.DependsOn {
		if res, ok := wfCtx.Get(dep); ok {
			upstream[dep] = res.Output
		}
	}
	return upstream
}

// commit records a terminal outcome. It runs on the coordinator goroutine
// only, one stage completion at a time.
func (s *Scheduler) commit(wfCtx *Context, run *stageRun, outcome StageOutcome, log *zap.Logger) {
	run.outcome = outcome
	run.resolved = true
	run.state = StageResolved

	if outcome.Status == StatusSucceeded && outcome.Result != nil {
		if err := wfCtx.Put(run.def.ID, *outcome.Result); err != nil {
			// Unreachable by construction; surfaced loudly if it ever is.
			log.Error("workflow context write conflict", zap.Error(err))
		}
	}

	attempts := 0
	var duration time.Duration
	if outcome.Result != nil {
		attempts = outcome.Result.Attempts
		duration = outcome.Result.Duration
	}
	s.collector.RecordStage(run.def.ID, string(outcome.Status), duration, attempts)
	s.emitEvent(Event{
		Type:    EventStageResolved,
		StageID: run.def.ID,
		Status:  outcome.Status,
		Err:     reasonErr(outcome),
	})

	switch outcome.Status {
	case StatusSucceeded:
		log.Info("stage succeeded",
			zap.String("stage_id", run.def.ID),
			zap.Int("attempts", attempts),
		)
	case StatusFailed:
		log.Warn("stage failed",
			zap.String("stage_id", run.def.ID),
			zap.Error(reasonErr(outcome)),
		)
	case StatusSkipped:
		log.Info("stage skipped",
			zap.String("stage_id", run.def.ID),
			zap.Error(reasonErr(outcome)),
		)
	}
}

func reasonErr(outcome StageOutcome) error {
	if outcome.Reason == nil {
		return nil
	}
	return outcome.Reason
}

// skipDependents cascades a failure: every transitive dependent of a
// failed or skipped stage resolves as "skipped: dependency failed"
// without ever starting.
func (s *Scheduler) skipDependents(runs []stageRun, failed *stageRun, resolvedCount *int, log *zap.Logger) {
	for _, depIdx := range failed.dependents {
		dep := &runs[depIdx]
		if dep.resolved || dep.dispatched {
			continue
		}
		dep.outcome = StageOutcome{
			StageID: dep.def.ID,
			Status:  StatusSkipped,
			Reason: types.NewError(types.ErrDependencyFailed,
				fmt.Sprintf("skipped: dependency failed (%s)", failed.def.ID)).WithStage(dep.def.ID),
		}
		dep.resolved = true
		dep.state = StageResolved
		*resolvedCount++
		s.collector.RecordStage(dep.def.ID, string(StatusSkipped), 0, 0)
		s.emitEvent(Event{Type: EventStageResolved, StageID: dep.def.ID, Status: StatusSkipped})
		log.Info("stage skipped",
			zap.String("stage_id", dep.def.ID),
			zap.String("failed_dependency", failed.def.ID),
		)
		s.skipDependents(runs, dep, resolvedCount, log)
	}
}

// resolveBlocked resolves every remaining unresolved stage after an
// abort: timed-out workflows mark them failed with a timeout reason,
// fail-fast aborts mark them skipped. includeDispatched additionally
// discards in-flight stages, which only the timeout path wants.
func (s *Scheduler) resolveBlocked(runs []stageRun, resolvedCount *int, timedOut, includeDispatched bool) {
	for i := range runs {
		run := &runs[i]
		if run.resolved || (run.dispatched && !includeDispatched) {
			continue
		}
		if timedOut {
			run.outcome = timeoutOutcome(run.def.ID)
		} else {
			run.outcome = StageOutcome{
				StageID: run.def.ID,
				Status:  StatusSkipped,
				Reason: types.NewError(types.ErrWorkflowAborted,
					"workflow aborted before stage could start").WithStage(run.def.ID),
			}
		}
		run.resolved = true
		run.state = StageResolved
		*resolvedCount++
		s.collector.RecordStage(run.def.ID, string(run.outcome.Status), 0, 0)
		s.emitEvent(Event{Type: EventStageResolved, StageID: run.def.ID, Status: run.outcome.Status})
	}
}

func timeoutOutcome(stageID string) StageOutcome {
	return StageOutcome{
		StageID: stageID,
		Status:  StatusFailed,
		Reason: types.NewError(types.ErrWorkflowTimeout,
			"workflow timed out before stage resolved").WithStage(stageID),
	}
}

func (s *Scheduler) emitEvent(ev Event) {
	if s.emit != nil {
		s.emit(ev)
	}
}

// runStage executes one stage to a terminal outcome: agent resolution,
// retry-guarded execution, validation, automated review, approval, and
// memory recording. It runs on a worker goroutine and touches no scheduler
// state besides its arguments.
func (s *Scheduler) runStage(ctx context.Context, def StageDefinition, upstream map[string]string) StageOutcome {
	log := s.logger.With(zap.String("stage_id", def.ID))
	start := s.now()

	agentInst, err := s.resolver.ResolveAgent(def)
	if err != nil {
		return failOutcome(def.ID, err)
	}

	var validator, reviewer types.Validator
	if def.Validator != "" {
		validator = s.validators[def.Validator]
	}
	if def.Reviewer != "" {
		reviewer = s.validators[def.Reviewer]
	}

	history, err := s.resolver.History(ctx, agentInst.ID())
	if err != nil {
		// Memory is advisory context, not a recovery log.
		log.Warn("failed to read agent memory", zap.Error(err))
		history = nil
	}

	baseInput := types.TaskInput{
		Prompt:   expandPrompt(def.Prompt, upstream),
		Context:  def.Metadata,
		Upstream: upstream,
		History:  history,
	}
	key := def.breakerKey(agentInst.ID())

	attempts := 0
	regenerations := 0
	var feedback []string
	var result types.TaskResult

	for {
		input := baseInput.WithFeedback(feedback...)

		err := s.executor.Run(ctx, key, def.Retry, func(ctx context.Context) error {
			attempts++
			res, err := agentInst.Execute(ctx, input)
			if err != nil {
				return err
			}
			if validator != nil {
				if verr := validator.Check(res.Output); verr != nil {
					return asValidationError(def.Validator, verr)
				}
			}
			if reviewer != nil && def.ReviewMode == ReviewModeRetry {
				if rerr := reviewer.Check(res.Output); rerr != nil {
					return asValidationError(def.Reviewer, rerr)
				}
			}
			result = res
			return nil
		})
		if err != nil {
			return failOutcome(def.ID, err)
		}

		if reviewer != nil && def.ReviewMode == ReviewModeRegenerate {
			if rerr := reviewer.Check(result.Output); rerr != nil {
				regenerations++
				s.collector.RecordRegeneration(def.ID, "review")
				if regenerations > s.settings.MaxRegenerate {
					return failOutcome(def.ID, types.NewError(types.ErrReviewRejected,
						fmt.Sprintf("automated review rejected output %d times, exceeding max regenerate %d",
							regenerations, s.settings.MaxRegenerate)).WithCause(rerr))
				}
				log.Info("review rejected output, regenerating",
					zap.Int("regeneration", regenerations),
					zap.Error(rerr),
				)
				feedback = append(feedback, rerr.Error())
				continue
			}
		}

		if def.RequireApproval {
			s.emitEvent(Event{Type: EventStageAwaitingApproval, StageID: def.ID})
			decision, err := s.gate.Await(ctx, approval.Request{
				StageID:       def.ID,
				AgentID:       agentInst.ID(),
				Output:        result.Output,
				Attempts:      attempts,
				Regenerations: regenerations,
				Metadata:      def.Metadata,
			})
			if err != nil {
				return failOutcome(def.ID, err)
			}
			s.collector.RecordApprovalDecision(string(decision.Action))

			if decision.Action == approval.ActionReject {
				regenerations++
				s.collector.RecordRegeneration(def.ID, "approval")
				if regenerations > s.settings.MaxRegenerate {
					return failOutcome(def.ID, types.NewError(types.ErrApprovalRejected,
						fmt.Sprintf("rejected %d times, exceeding max regenerate %d",
							regenerations, s.settings.MaxRegenerate)))
				}
				log.Info("stage rejected, regenerating",
					zap.Int("regeneration", regenerations),
					zap.String("feedback", decision.Feedback),
				)
				feedback = append(feedback, decision.Feedback)
				continue
			}
		}

		result.StageID = def.ID
		result.AgentID = agentInst.ID()
		result.Success = true
		result.Attempts = attempts
		result.Regenerations = regenerations
		result.Duration = s.now().Sub(start)

		if err := s.resolver.RecordExchange(ctx, agentInst.ID(), input, result); err != nil {
			log.Warn("failed to record exchange", zap.Error(err))
		}
		return StageOutcome{StageID: def.ID, Status: StatusSucceeded, Result: &result}
	}
}

func asValidationError(name string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewError(types.ErrValidation,
		fmt.Sprintf("validator %q rejected output", name)).WithCause(err)
}

func failOutcome(stageID string, err error) StageOutcome {
	reason, ok := types.AsError(err)
	if !ok {
		reason = types.NewError(types.ErrInternal, "stage execution failed").WithCause(err)
	}
	if reason.StageID == "" {
		reason.StageID = stageID
	}
	return StageOutcome{StageID: stageID, Status: StatusFailed, Reason: reason}
}
