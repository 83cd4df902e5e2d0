/*
Package thinking implements the sequential reasoning orchestrator.

An Orchestrator owns one reasoning task at a time: the ordered history of
thoughts, the branches explored from it, and a single-flight lock that lets
exactly one step run at once. Each step may call a Generator for its text;
generated text passes through the quality Gate and is retried a bounded
number of times before a placeholder thought is used instead.

A watchdog releases the lock when a step hangs longer than LockTimeout. The
hung step is cancelled and its result is discarded.
*/
package thinking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyProcessing = errors.New("a thought step is already being processed")
	ErrInvalidStep       = errors.New("invalid thought step")
	ErrOutOfOrder        = errors.New("thought number is out of order")
	ErrTaskCompleted     = errors.New("thought process is already complete")
	ErrStepAbandoned     = errors.New("thought step was abandoned")
)

// DefaultFallbackThought is used when every generation attempt for a step
// was rejected.
const DefaultFallbackThought = "This step requires careful consideration. " +
	"The analysis so far is not conclusive, so proceed toward a final answer with the information available."

const (
	completeMessage = "Thought process marked as complete."
	noActiveMessage = "No active thought process to complete."
)

// Options bound the orchestrator. Zero fields take their defaults.
type Options struct {
	MinThoughts       int
	MaxThoughts       int
	MaxSteps          int // hard ceiling on the main line
	MaxAttempts       int // generation attempts per step
	StepDelay         time.Duration
	LockTimeout       time.Duration
	GenerationTimeout time.Duration
	MaxTokens         int
	Fallback          string

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	return Options{
		MinThoughts:       3,
		MaxThoughts:       5,
		MaxSteps:          5,
		MaxAttempts:       3,
		StepDelay:         600 * time.Millisecond,
		LockTimeout:       60 * time.Second,
		GenerationTimeout: 200 * time.Second,
		MaxTokens:         512,
		Fallback:          DefaultFallbackThought,
		Sleep:             sleepContext,
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinThoughts <= 0 {
		o.MinThoughts = d.MinThoughts
	}
	if o.MaxThoughts <= 0 {
		o.MaxThoughts = d.MaxThoughts
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = d.MaxSteps
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.StepDelay < 0 {
		o.StepDelay = 0
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = d.LockTimeout
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = d.GenerationTimeout
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	if strings.TrimSpace(o.Fallback) == "" {
		o.Fallback = d.Fallback
	}
	if o.Sleep == nil {
		o.Sleep = d.Sleep
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ThoughtResult is the committed record of a step plus how it was produced.
type ThoughtResult struct {
	ThoughtRecord
	Verdict              Verdict       `json:"verdict"`
	Generated            bool          `json:"generated"`
	Fallback             bool          `json:"fallback"`
	Attempts             int           `json:"attempts"`
	Continue             bool          `json:"continue"`
	Branches             []string      `json:"branches"`
	ThoughtHistoryLength int           `json:"thoughtHistoryLength"`
	Duration             time.Duration `json:"-"`
}

// CompletionResult is the answer to a force-complete request.
type CompletionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Status is a snapshot of the orchestrator.
type Status struct {
	Uptime            time.Duration
	ThoughtCount      int
	BranchCount       int
	Processing        bool
	Completed         bool
	AvgProcessingTime time.Duration
	LastActivity      time.Time
	CreatedAt         time.Time
	LastReset         time.Time
}

// Orchestrator drives one reasoning task. All state is guarded by mu.
type Orchestrator struct {
	gen    Generator
	gate   *Gate
	prompt StepPrompt
	opts   Options
	logger *logrus.Entry

	mu         sync.Mutex
	task       string
	history    []ThoughtRecord
	branches   map[string][]ThoughtRecord
	flagNext   bool // previous step fell back, regenerate the next one
	completed  bool
	pendingEnd bool // force-complete arrived while a step was running
	processing bool
	lockToken  uint64
	stepCancel context.CancelFunc
	watchdog   *time.Timer

	lastActivity time.Time
	createdAt    time.Time
	lastReset    time.Time
	steps        int
	stepTime     time.Duration
}

// New creates an orchestrator. A nil logger logs through the standard logrus
// logger.
func New(gen Generator, gate *Gate, opts Options, logger *logrus.Entry) (*Orchestrator, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if gate == nil {
		return nil, errors.New("quality gate is required")
	}
	opts = opts.withDefaults()
	if opts.MinThoughts > opts.MaxThoughts {
		return nil, fmt.Errorf("min thoughts (%d) exceeds max thoughts (%d)", opts.MinThoughts, opts.MaxThoughts)
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "thinking")
	}

	now := opts.Now()
	return &Orchestrator{
		gen:          gen,
		gate:         gate,
		prompt:       NewStepPrompt(),
		opts:         opts,
		logger:       logger,
		branches:     make(map[string][]ThoughtRecord),
		lastActivity: now,
		createdAt:    now,
		lastReset:    now,
	}, nil
}

// Options returns the effective limits.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// stepPlan is what a step decided under the lock before generating.
type stepPlan struct {
	rec      ThoughtRecord
	newTask  bool
	task     string
	previous string
	context  []ThoughtRecord
	generate bool
}

// Step runs one thought step.
func (o *Orchestrator) Step(ctx context.Context, in StepInput) (ThoughtResult, error) {
	rec, err := normalize(in, o.opts)
	if err != nil {
		return ThoughtResult{}, err
	}

	stepCtx, token, err := o.acquire(ctx)
	if err != nil {
		return ThoughtResult{}, err
	}
	defer o.release(token)

	started := o.opts.Now()
	logger := o.logger.WithFields(logrus.Fields{
		"thoughtNumber": rec.ThoughtNumber,
		"totalThoughts": rec.TotalThoughts,
	})

	plan, err := o.plan(rec, in.Prompt)
	if err != nil {
		return ThoughtResult{}, err
	}

	result := ThoughtResult{Verdict: Usable}
	if plan.generate {
		text, attempts, fallback, err := o.generate(stepCtx, plan, logger)
		if err != nil {
			if ctx.Err() != nil {
				return ThoughtResult{}, ctx.Err()
			}
			return ThoughtResult{}, err
		}
		plan.rec.Thought = text
		result.Generated = true
		result.Attempts = attempts
		result.Fallback = fallback
	}

	if err := o.commit(token, plan, &result, started); err != nil {
		logger.WithError(err).Warn("Discarding result of released thought step")
		return ThoughtResult{}, err
	}

	logger.WithFields(logrus.Fields{
		"generated": result.Generated,
		"fallback":  result.Fallback,
		"attempts":  result.Attempts,
		"continue":  result.Continue,
		"duration":  result.Duration,
	}).Info("Thought step committed")
	return result, nil
}

// acquire takes the single-flight lock and arms the watchdog.
func (o *Orchestrator) acquire(ctx context.Context) (context.Context, uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.processing {
		return nil, 0, ErrAlreadyProcessing
	}

	stepCtx, cancel := context.WithCancel(ctx)
	o.lockToken++
	token := o.lockToken
	o.processing = true
	o.stepCancel = cancel
	o.lastActivity = o.opts.Now()
	o.watchdog = time.AfterFunc(o.opts.LockTimeout, func() { o.forceRelease(token) })
	return stepCtx, token, nil
}

// release clears the lock if it is still held by token.
func (o *Orchestrator) release(token uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.processing || o.lockToken != token {
		return
	}
	o.unlockLocked()
	o.lastActivity = o.opts.Now()
}

func (o *Orchestrator) forceRelease(token uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.processing || o.lockToken != token {
		return
	}
	o.unlockLocked()
	o.logger.WithField("lockTimeout", o.opts.LockTimeout).Warn("Watchdog force-released the thought step lock")
}

func (o *Orchestrator) unlockLocked() {
	o.processing = false
	o.pendingEnd = false
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}
	if o.stepCancel != nil {
		o.stepCancel()
		o.stepCancel = nil
	}
}

// plan validates ordering against the current task and decides whether the
// thought must be generated.
func (o *Orchestrator) plan(rec ThoughtRecord, prompt string) (stepPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p := stepPlan{rec: rec, task: o.task}
	p.newTask = rec.mainLine() && rec.ThoughtNumber == 1 && len(o.history) > 0

	if !p.newTask {
		if o.completed {
			return stepPlan{}, ErrTaskCompleted
		}
		if rec.mainLine() {
			if last := o.lastMainLineLocked(); rec.ThoughtNumber <= last {
				return stepPlan{}, fmt.Errorf("%w: thought %d does not follow thought %d", ErrOutOfOrder, rec.ThoughtNumber, last)
			}
		}
		p.context = copyRecords(o.history)
		if n := len(o.history); n > 0 {
			p.previous = o.history[n-1].Thought
		}
	}
	if prompt = strings.TrimSpace(prompt); prompt != "" {
		p.task = prompt
	}
	if p.newTask && prompt == "" {
		p.task = ""
	}

	supplied := o.gate.Assess(Candidate{
		Text:     rec.Thought,
		Previous: p.previous,
		Revision: !rec.mainLine(),
	})
	p.generate = rec.ThoughtNumber == 1 || (o.flagNext && !p.newTask) || supplied != Usable
	return p, nil
}

func (o *Orchestrator) lastMainLineLocked() int {
	last := 0
	for _, r := range o.history {
		if r.mainLine() && r.ThoughtNumber > last {
			last = r.ThoughtNumber
		}
	}
	return last
}

// generate runs the bounded retry loop. It reports the accepted text, the
// number of attempts made and whether the fallback was used.
func (o *Orchestrator) generate(ctx context.Context, p stepPlan, logger *logrus.Entry) (string, int, bool, error) {
	prompt, err := o.prompt.Render(p.task, p.rec, p.context)
	if err != nil {
		return "", 0, false, err
	}
	echo := InstructionLine(p.rec.ThoughtNumber, p.rec.TotalThoughts)

	attempts := 0
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := o.opts.Sleep(ctx, o.opts.StepDelay); err != nil {
				return "", attempts, false, ErrStepAbandoned
			}
		}
		if ctx.Err() != nil {
			return "", attempts, false, ErrStepAbandoned
		}
		attempts++
		o.touch()

		genCtx, cancel := context.WithTimeout(ctx, o.opts.GenerationTimeout)
		text, err := o.gen.Generate(genCtx, prompt, o.opts.MaxTokens)
		cancel()

		if ctx.Err() != nil {
			return "", attempts, false, ErrStepAbandoned
		}
		if err != nil {
			logger.WithError(err).WithField("attempt", attempt).Warn("Thought generation failed")
			continue
		}

		text = strings.TrimSpace(text)
		verdict := o.gate.Assess(Candidate{
			Text:       text,
			Previous:   p.previous,
			PromptEcho: echo,
			Revision:   !p.rec.mainLine(),
		})
		if verdict == Usable {
			return text, attempts, false, nil
		}
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"verdict": verdict.String(),
			"length":  len(text),
		}).Warn("Rejected generated thought")
	}

	logger.WithField("attempts", attempts).Warn("All generation attempts rejected, using fallback thought")
	return o.opts.Fallback, attempts, true, nil
}

func (o *Orchestrator) touch() {
	o.mu.Lock()
	o.lastActivity = o.opts.Now()
	o.mu.Unlock()
}

// commit appends the record if the step still owns the lock.
func (o *Orchestrator) commit(token uint64, p stepPlan, result *ThoughtResult, started time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.processing || o.lockToken != token {
		return ErrStepAbandoned
	}

	if p.newTask {
		o.history = nil
		o.branches = make(map[string][]ThoughtRecord)
		o.completed = false
		o.flagNext = false
	}
	if o.pendingEnd || (!p.newTask && o.completed) {
		p.rec.NextThoughtNeeded = false
	}
	o.pendingEnd = false
	o.task = p.task

	o.history = append(o.history, p.rec)
	if key, ok := p.rec.branchKey(); ok {
		o.branches[key] = append(o.branches[key], p.rec)
	}
	o.flagNext = result.Fallback
	o.completed = !p.rec.NextThoughtNeeded

	now := o.opts.Now()
	o.lastActivity = now
	o.steps++
	o.stepTime += now.Sub(started)

	result.ThoughtRecord = copyRecords([]ThoughtRecord{p.rec})[0]
	result.Continue = p.rec.NextThoughtNeeded &&
		p.rec.ThoughtNumber < p.rec.TotalThoughts &&
		p.rec.ThoughtNumber < o.opts.MaxSteps
	result.Branches = branchNames(o.branches)
	result.ThoughtHistoryLength = len(o.history)
	result.Duration = now.Sub(started)
	return nil
}

// Run drives a whole task from thought 1, calling onThought after every
// committed step. It stops when a step ends the task or the task is
// force-completed.
func (o *Orchestrator) Run(ctx context.Context, prompt string, totalThoughts int, onThought func(ThoughtResult)) error {
	total := totalThoughts
	for n := 1; ; n++ {
		res, err := o.Step(ctx, StepInput{Prompt: prompt, ThoughtNumber: n, TotalThoughts: total})
		if errors.Is(err, ErrTaskCompleted) {
			return nil
		}
		if err != nil {
			return err
		}
		if onThought != nil {
			onThought(res)
		}
		if !res.Continue || o.isCompleted() {
			return nil
		}
		total = res.TotalThoughts

		if err := o.opts.Sleep(ctx, o.opts.StepDelay); err != nil {
			return err
		}
		if o.isCompleted() {
			return nil
		}
	}
}

func (o *Orchestrator) isCompleted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completed
}

// ForceComplete marks the last thought as final. A step running at the time
// commits as the final thought, even when it starts a new task. It never
// fails; an empty history with no running step is reported in the result.
func (o *Orchestrator) ForceComplete() CompletionResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.history) == 0 && !o.processing {
		return CompletionResult{Success: false, Message: noActiveMessage}
	}
	if n := len(o.history); n > 0 {
		o.history[n-1].NextThoughtNeeded = false
		o.completed = true
	}
	if o.processing {
		o.pendingEnd = true
	}
	o.lastActivity = o.opts.Now()
	o.logger.WithField("thoughtCount", len(o.history)).Info("Thought process force-completed")
	return CompletionResult{Success: true, Message: completeMessage}
}

// Reset clears the task and releases the lock, cancelling a running step.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
	o.logger.Info("Thought process reset")
}

func (o *Orchestrator) resetLocked() {
	if o.processing {
		o.unlockLocked()
	}
	o.task = ""
	o.history = nil
	o.branches = make(map[string][]ThoughtRecord)
	o.flagNext = false
	o.completed = false
	now := o.opts.Now()
	o.lastReset = now
	o.lastActivity = now
}

// ResetIfStuck resets the orchestrator when a step has held the lock without
// activity for longer than threshold. It reports whether it reset.
func (o *Orchestrator) ResetIfStuck(threshold time.Duration) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	idle := o.opts.Now().Sub(o.lastActivity)
	if !o.processing || idle <= threshold {
		return false
	}
	o.logger.WithField("idle", idle).Warn("Thought step stuck, resetting")
	o.resetLocked()
	return true
}

// Status returns a snapshot of the orchestrator.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	var avg time.Duration
	if o.steps > 0 {
		avg = o.stepTime / time.Duration(o.steps)
	}
	return Status{
		Uptime:            o.opts.Now().Sub(o.createdAt),
		ThoughtCount:      len(o.history),
		BranchCount:       len(o.branches),
		Processing:        o.processing,
		Completed:         o.completed,
		AvgProcessingTime: avg,
		LastActivity:      o.lastActivity,
		CreatedAt:         o.createdAt,
		LastReset:         o.lastReset,
	}
}

// History returns a copy of the thought history.
func (o *Orchestrator) History() []ThoughtRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyRecords(o.history)
}

// Branches returns a copy of the branch map.
func (o *Orchestrator) Branches() map[string][]ThoughtRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string][]ThoughtRecord, len(o.branches))
	for k, v := range o.branches {
		out[k] = copyRecords(v)
	}
	return out
}
