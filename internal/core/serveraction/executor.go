// Package serveraction runs commands whose role is SERVER_ACTION inside the
// server process and reports their outcome like an agent would.
package serveraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"github.com/google/uuid"
)

var (
	ErrUnknownAction = errors.New("serveraction: unknown action")
	ErrNoReportSink  = errors.New("serveraction: report sink not set")
)

// Result is what a successful action reports back.
type Result struct {
	Stdout        string
	StructuredOut string
}

type Handler interface {
	Execute(ctx context.Context, cmd *domain.ExecutionCommand) (Result, error)
}

type HandlerFunc func(ctx context.Context, cmd *domain.ExecutionCommand) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, cmd *domain.ExecutionCommand) (Result, error) {
	return f(ctx, cmd)
}

type ExecutorConfig struct {
	Logger *logger.Logger
	Sink   ports.ReportSink
	// DefaultTimeout applies to commands dispatched without one.
	DefaultTimeout time.Duration
}

// Executor implements ports.AgentChannel for server-side actions.
type Executor struct {
	log            *logger.Logger
	defaultTimeout time.Duration

	mu       sync.RWMutex
	sink     ports.ReportSink
	handlers map[string]Handler
	running  map[int64]context.CancelFunc

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	base, cancel := context.WithCancel(context.Background())
	e := &Executor{
		log:            cfg.Logger,
		defaultTimeout: cfg.DefaultTimeout,
		sink:           cfg.Sink,
		handlers:       make(map[string]Handler),
		running:        make(map[int64]context.CancelFunc),
		base:           base,
		cancel:         cancel,
	}
	if e.log == nil {
		e.log = logger.NewNop()
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = 10 * time.Minute
	}
	return e
}

// SetReportSink wires the scheduler in after construction.
func (e *Executor) SetReportSink(sink ports.ReportSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *Executor) Register(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

func (e *Executor) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.handlers[name]
	return ok
}

// Dispatch starts the action in the background. It fails only when the
// action cannot be started at all.
func (e *Executor) Dispatch(_ context.Context, cmd *domain.ExecutionCommand) error {
	name := cmd.CommandParams[domain.ParamActionName]

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink == nil {
		return ErrNoReportSink
	}
	h, ok := e.handlers[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	if _, busy := e.running[cmd.TaskID]; busy {
		return nil
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(e.base, timeout)
	e.running[cmd.TaskID] = cancel

	e.wg.Add(1)
	go e.run(ctx, cancel, e.sink, h, name, cmd)
	return nil
}

func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, sink ports.ReportSink, h Handler, name string, cmd *domain.ExecutionCommand) {
	defer e.wg.Done()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, cmd.TaskID)
		e.mu.Unlock()
	}()

	executionID := uuid.NewString()
	log := e.log.With("execution_id", executionID, "action", name, "task_id", cmd.TaskID, "request_id", cmd.RequestID)
	log.Infow("server_action_started")

	report := func(r domain.CommandReport) {
		r.TaskID = cmd.TaskID
		if err := sink.ProcessReports(context.Background(), cmd.HostName, []domain.CommandReport{r}); err != nil {
			log.Errorw("server_action_report_failed", "status", r.Status, "error", err)
		}
	}
	report(domain.CommandReport{Status: domain.StatusInProgress})

	start := time.Now()
	res, err := e.execute(ctx, h, cmd)
	if err != nil {
		code := 1
		log.Warnw("server_action_failed", "duration", time.Since(start), "error", err)
		report(domain.CommandReport{Status: domain.StatusFailed, ExitCode: &code, Stdout: res.Stdout, Stderr: err.Error()})
		return
	}
	code := 0
	log.Infow("server_action_completed", "duration", time.Since(start))
	report(domain.CommandReport{Status: domain.StatusCompleted, ExitCode: &code, Stdout: res.Stdout, StructuredOut: res.StructuredOut})
}

func (e *Executor) execute(ctx context.Context, h Handler, cmd *domain.ExecutionCommand) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("server action panicked: %v", r)
		}
	}()
	res, err = h.Execute(ctx, cmd)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return res, err
}

// Cancel stops a running action. Unknown tasks are ignored.
func (e *Executor) Cancel(_ context.Context, _ string, taskID int64, reason string) error {
	e.mu.RLock()
	cancel, ok := e.running[taskID]
	e.mu.RUnlock()
	if ok {
		e.log.Infow("server_action_cancel", "task_id", taskID, "reason", reason)
		cancel()
	}
	return nil
}

// Close cancels every running action and waits for them to report.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}

// Wait blocks until every started action has finished. Used by tests.
func (e *Executor) Wait() {
	e.wg.Wait()
}
