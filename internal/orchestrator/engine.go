package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ttai-workers/internal/store"
)

type Status string

const (
	StatusScheduled Status = store.RunScheduled
	StatusRunning   Status = store.RunRunning
	StatusRetrying  Status = store.RunRetrying
	StatusCompleted Status = store.RunCompleted
	StatusFailed    Status = store.RunFailed
	StatusCanceled  Status = store.RunCanceled
)

func (s Status) Closed() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

type WorkflowFunc func(ctx *Context, input []byte) ([]byte, error)

type ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

type Options struct {
	Namespace string
	TaskQueue string
	// Workers is the number of runs executed concurrently.
	Workers   int
	QueueSize int
	Journal   Journal
	Logger    zerolog.Logger
	// OnFailed is called once per run that ends in Failed, from a single
	// goroutine separate from the workers.
	OnFailed func(RunInfo)
}

// RunInfo is the externally visible state of one run.
type RunInfo struct {
	ID           string          `json:"id"`
	Namespace    string          `json:"namespace"`
	TaskQueue    string          `json:"task_queue"`
	Workflow     string          `json:"workflow"`
	Status       Status          `json:"status"`
	Attempts     int             `json:"attempts"`
	Retries      int             `json:"retries"`
	Input        json.RawMessage `json:"input,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

// NewRunInfo converts a journaled run into its external form.
func NewRunInfo(r store.WorkflowRun) RunInfo {
	info := RunInfo{
		ID:           r.ID,
		Namespace:    r.Namespace,
		TaskQueue:    r.TaskQueue,
		Workflow:     r.Workflow,
		Status:       Status(r.Status),
		Attempts:     r.Attempts,
		ErrorType:    r.ErrorType,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:    time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if r.Attempts > 1 {
		info.Retries = r.Attempts - 1
	}
	if r.Input != "" {
		info.Input = json.RawMessage(r.Input)
	}
	if r.Result != "" {
		info.Result = json.RawMessage(r.Result)
	}
	if r.ClosedAt > 0 {
		t := time.UnixMilli(r.ClosedAt).UTC()
		info.ClosedAt = &t
	}
	return info
}

type StartOptions struct {
	// ID makes submission idempotent; empty means a random UUID.
	ID       string
	Workflow string
}

const failureHookBuffer = 64

type runState struct {
	id   string
	done chan struct{}

	mu              sync.Mutex
	cancel          context.CancelFunc
	cancelRequested bool
}

// Engine runs registered workflows on a bounded pool of workers and
// journals every state change so open runs can be recovered after a restart.
type Engine struct {
	opts Options
	log  zerolog.Logger

	regMu      sync.RWMutex
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc

	mu       sync.Mutex
	runs     map[string]*runState
	started  bool
	stopping bool

	queue      chan string
	hooks      chan RunInfo
	hooksDone  chan struct{}
	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

func NewEngine(opts Options) *Engine {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.TaskQueue == "" {
		opts.TaskQueue = "ttai-queue"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Journal == nil {
		opts.Journal = NewMemoryJournal()
	}
	ctx, cancel := context.WithCancel(context.Background())
	var hooks chan RunInfo
	if opts.OnFailed != nil {
		hooks = make(chan RunInfo, failureHookBuffer)
	}
	return &Engine{
		opts:       opts,
		log:        opts.Logger.With().Str("component", "orchestrator").Str("task_queue", opts.TaskQueue).Logger(),
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]ActivityFunc),
		runs:       make(map[string]*runState),
		queue:      make(chan string, opts.QueueSize),
		hooks:      hooks,
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

func (e *Engine) Namespace() string { return e.opts.Namespace }
func (e *Engine) TaskQueue() string { return e.opts.TaskQueue }

func (e *Engine) RegisterWorkflowFunc(name string, fn WorkflowFunc) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.workflows[name] = fn
}

func (e *Engine) RegisterActivityFunc(name string, fn ActivityFunc) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.activities[name] = fn
}

// RegisterWorkflow registers a typed workflow; input and output travel as JSON.
func RegisterWorkflow[In, Out any](e *Engine, name string, fn func(ctx *Context, in In) (Out, error)) {
	e.RegisterWorkflowFunc(name, func(ctx *Context, input []byte) ([]byte, error) {
		var in In
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, NewNonRetryableError(TypeEncoding, fmt.Sprintf("decode %s input: %v", name, err), err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
}

func RegisterActivity[In, Out any](e *Engine, name string, fn func(ctx context.Context, in In) (Out, error)) {
	e.RegisterActivityFunc(name, func(ctx context.Context, input []byte) ([]byte, error) {
		var in In
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, NewNonRetryableError(TypeEncoding, fmt.Sprintf("decode %s input: %v", name, err), err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
}

func (e *Engine) workflow(name string) (WorkflowFunc, bool) {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	fn, ok := e.workflows[name]
	return fn, ok
}

func (e *Engine) activity(name string) (ActivityFunc, bool) {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	fn, ok := e.activities[name]
	return fn, ok
}

// Start launches the workers. Runs submitted earlier wait in the queue.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopping {
		return
	}
	e.started = true
	if e.hooks != nil {
		e.hooksDone = make(chan struct{})
		go e.runFailureHooks()
	}
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.log.Info().Int("workers", e.opts.Workers).Str("namespace", e.opts.Namespace).Msg("orchestrator started")
}

// Stop cancels in-flight runs without closing them, so Recover on the
// next start picks them up again.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	started := e.started
	e.mu.Unlock()

	e.cancelBase()
	e.wg.Wait()
	if started && e.hooks != nil {
		close(e.hooks)
		<-e.hooksDone
	}
	e.log.Info().Msg("orchestrator stopped")
}

func (e *Engine) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case id := <-e.queue:
			e.execute(id)
		}
	}
}

// Submit starts a workflow run. Submitting an ID that already exists
// returns a handle to the existing run instead of starting a new one.
func (e *Engine) Submit(ctx context.Context, so StartOptions, input any) (*Handle, error) {
	if _, ok := e.workflow(so.Workflow); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, so.Workflow)
	}
	if e.isStopping() {
		return nil, ErrStopped
	}
	id := so.ID
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	now := time.Now().UnixMilli()
	created, err := e.opts.Journal.CreateRun(store.WorkflowRun{
		ID:        id,
		Namespace: e.opts.Namespace,
		TaskQueue: e.opts.TaskQueue,
		Workflow:  so.Workflow,
		Status:    string(StatusScheduled),
		Input:     string(raw),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("journal run: %w", err)
	}
	if !created {
		existing, err := e.opts.Journal.GetRun(id)
		if err != nil {
			return nil, fmt.Errorf("load run: %w", err)
		}
		if existing.Workflow != so.Workflow {
			return nil, fmt.Errorf("run %s already exists for workflow %s", id, existing.Workflow)
		}
		if store.IsOpenStatus(existing.Status) {
			if err := e.enqueue(ctx, id); err != nil {
				return nil, err
			}
		}
		return e.GetHandle(id), nil
	}
	if err := e.enqueue(ctx, id); err != nil {
		return nil, err
	}
	e.log.Debug().Str("run_id", id).Str("workflow", so.Workflow).Msg("run scheduled")
	return e.GetHandle(id), nil
}

// enqueue tracks and queues a run unless this process already owns it.
func (e *Engine) enqueue(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.runs[id]; ok {
		e.mu.Unlock()
		return nil
	}
	rs := &runState{id: id, done: make(chan struct{})}
	e.runs[id] = rs
	e.mu.Unlock()

	select {
	case e.queue <- id:
		return nil
	case <-ctx.Done():
	case <-e.baseCtx.Done():
	}
	e.untrack(rs)
	if ctx.Err() != nil {
		return fmt.Errorf("enqueue %s: %w", id, ctx.Err())
	}
	return ErrStopped
}

func (e *Engine) untrack(rs *runState) {
	e.mu.Lock()
	if cur, ok := e.runs[rs.id]; ok && cur == rs {
		delete(e.runs, rs.id)
	}
	e.mu.Unlock()
	close(rs.done)
}

func (e *Engine) tracked(id string) *runState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

// Recover re-queues every open run of this namespace and task queue.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	open, err := e.opts.Journal.ListOpenRuns(e.opts.Namespace, e.opts.TaskQueue)
	if err != nil {
		return 0, fmt.Errorf("list open runs: %w", err)
	}
	n := 0
	for _, r := range open {
		if e.tracked(r.ID) != nil {
			continue
		}
		if err := e.enqueue(ctx, r.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		e.log.Info().Int("runs", n).Msg("recovered open runs")
	}
	return n, nil
}

func (e *Engine) GetHandle(id string) *Handle {
	return &Handle{ID: id, engine: e}
}

func (e *Engine) Describe(id string) (RunInfo, error) {
	r, err := e.opts.Journal.GetRun(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return RunInfo{}, err
	}
	return NewRunInfo(r), nil
}

// Cancel stops further attempts of an open run. Closed runs are left as they are.
func (e *Engine) Cancel(id string) error {
	if rs := e.tracked(id); rs != nil {
		rs.mu.Lock()
		rs.cancelRequested = true
		cancel := rs.cancel
		rs.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	r, err := e.opts.Journal.GetRun(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return err
	}
	if !store.IsOpenStatus(r.Status) {
		return nil
	}
	now := time.Now().UnixMilli()
	r.Status = string(StatusCanceled)
	r.ErrorType = TypeCanceled
	r.ErrorMessage = "run canceled"
	r.UpdatedAt = now
	r.ClosedAt = now
	return e.opts.Journal.UpdateRun(r)
}

func (e *Engine) execute(id string) {
	rs := e.tracked(id)
	if rs == nil {
		return
	}
	defer e.untrack(rs)

	run, err := e.opts.Journal.GetRun(id)
	if err != nil {
		e.log.Error().Err(err).Str("run_id", id).Msg("load run failed")
		return
	}
	if !store.IsOpenStatus(run.Status) {
		return
	}
	log := e.log.With().Str("run_id", id).Str("workflow", run.Workflow).Logger()

	runCtx, cancel := context.WithCancel(e.baseCtx)
	defer cancel()
	rs.mu.Lock()
	rs.cancel = cancel
	preCanceled := rs.cancelRequested
	rs.mu.Unlock()
	if preCanceled {
		e.close(&run, nil, canceledError(nil), log)
		return
	}

	fn, ok := e.workflow(run.Workflow)
	if !ok {
		e.close(&run, nil, NewNonRetryableError(TypeUnknownWorkflow, run.Workflow, nil), log)
		return
	}

	run.Status = string(StatusRunning)
	e.update(&run, log)

	wctx := &Context{ctx: runCtx, engine: e, run: &run, log: log}
	out, err := e.callWorkflow(fn, wctx, []byte(run.Input))

	rs.mu.Lock()
	canceled := rs.cancelRequested
	rs.mu.Unlock()
	if err != nil && !canceled && e.isStopping() {
		log.Info().Str("status", run.Status).Msg("run left open for recovery")
		return
	}
	if err != nil && canceled {
		err = canceledError(err)
	}
	e.close(&run, out, err, log)
}

func (e *Engine) callWorkflow(fn WorkflowFunc, ctx *Context, input []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewNonRetryableError(TypePanic, fmt.Sprintf("workflow panic: %v", r), nil)
			ctx.log.Error().Str("stack", string(debug.Stack())).Msg("workflow panic")
		}
	}()
	return fn(ctx, input)
}

func (e *Engine) update(run *store.WorkflowRun, log zerolog.Logger) {
	run.UpdatedAt = time.Now().UnixMilli()
	if err := e.opts.Journal.UpdateRun(*run); err != nil {
		log.Error().Err(err).Msg("journal update failed")
	}
}

func (e *Engine) close(run *store.WorkflowRun, out []byte, err error, log zerolog.Logger) {
	now := time.Now().UnixMilli()
	run.ClosedAt = now
	if err == nil {
		run.Status = string(StatusCompleted)
		run.Result = string(out)
		run.ErrorType, run.ErrorMessage = "", ""
		e.update(run, log)
		log.Info().Int("attempts", run.Attempts).Msg("run completed")
		return
	}
	ae := AsApplicationError(err)
	run.ErrorType = ae.Type
	run.ErrorMessage = ae.Message
	if ae.Type == TypeCanceled {
		run.Status = string(StatusCanceled)
		e.update(run, log)
		log.Info().Int("attempts", run.Attempts).Msg("run canceled")
		return
	}
	run.Status = string(StatusFailed)
	e.update(run, log)
	log.Warn().Str("error_type", ae.Type).Str("error", ae.Message).Int("attempts", run.Attempts).Msg("run failed")
	if e.hooks != nil {
		select {
		case e.hooks <- NewRunInfo(*run):
		default:
			log.Warn().Msg("failure hook queue full, dropping notification")
		}
	}
}

// runFailureHooks drains the hook queue. OnFailed never runs on a worker
// goroutine.
func (e *Engine) runFailureHooks() {
	defer close(e.hooksDone)
	for info := range e.hooks {
		e.opts.OnFailed(info)
	}
}
