// Package scheduler advances requests stage by stage: it dispatches the
// commands of each request's earliest unfinished stage, applies per-host
// caps and timeouts, folds in agent reports and rolls up request status.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clusterd/backend/internal/core/ports"
	"github.com/clusterd/backend/internal/domain"
	"github.com/clusterd/backend/internal/infrastructure/logger"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRequestNotFound = errors.New("scheduler: request not found")
	ErrRequestFinished = errors.New("scheduler: request already finished")
	ErrCommandNotFound = errors.New("scheduler: command not found")
	ErrNotHolding      = errors.New("scheduler: command is not holding")
)

// RequestObserver is told when a request reaches a terminal status.
type RequestObserver interface {
	RequestFinished(ctx context.Context, req domain.Request, status domain.HostRoleStatus, reason string)
}

type Config struct {
	Accessor ports.ActionDBAccessor
	Channel  ports.AgentChannel
	Logger   *logger.Logger
	Metrics  *Metrics
	Observer RequestObserver

	MaxCommandsPerHost  int
	TickInterval        time.Duration
	DispatchConcurrency int
	// Now is replaced in tests.
	Now func() time.Time
}

type ActionScheduler struct {
	db          ports.ActionDBAccessor
	channel     ports.AgentChannel
	log         *logger.Logger
	metrics     *Metrics
	observer    RequestObserver
	slots       *hostSlots
	interval    time.Duration
	concurrency int
	now         func() time.Time

	// tickMu makes the scheduler the single writer of stage and request
	// aggregates; reports only touch individual commands.
	tickMu sync.Mutex
	wake   chan struct{}
}

func New(cfg Config) *ActionScheduler {
	s := &ActionScheduler{
		db:          cfg.Accessor,
		channel:     cfg.Channel,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		observer:    cfg.Observer,
		slots:       newHostSlots(cfg.MaxCommandsPerHost),
		interval:    cfg.TickInterval,
		concurrency: cfg.DispatchConcurrency,
		now:         cfg.Now,
		wake:        make(chan struct{}, 1),
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	if s.interval <= 0 {
		s.interval = time.Second
	}
	if s.concurrency <= 0 {
		s.concurrency = 8
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetChannel replaces the agent channel. The router and the server action
// executor need the scheduler and the scheduler needs them.
func (s *ActionScheduler) SetChannel(ch ports.AgentChannel) {
	s.channel = ch
}

func (s *ActionScheduler) SetObserver(o RequestObserver) {
	s.observer = o
}

// Wake schedules an immediate tick. It never blocks.
func (s *ActionScheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// InFlight returns the number of commands occupying slots on host.
func (s *ActionScheduler) InFlight(host string) int {
	return s.slots.InFlight(host)
}

// Run ticks until ctx is cancelled.
func (s *ActionScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Infow("scheduler_started", "tick_interval", s.interval)
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorw("scheduler_tick_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.log.Infow("scheduler_stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// Recover rebuilds the per-host slot table from the store and hands QUEUED
// commands to the channel again, since queued commands live in memory only.
func (s *ActionScheduler) Recover(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	inFlight, err := s.db.InFlightCommands(ctx)
	if err != nil {
		return fmt.Errorf("load in-flight commands: %w", err)
	}
	s.slots.Reset()

	stages := map[[2]int64]*domain.Stage{}
	redispatched := 0
	for i := range inFlight {
		cmd := &inFlight[i]
		s.slots.Force(cmd.HostName)
		if cmd.Status != domain.StatusQueued {
			continue
		}
		key := [2]int64{cmd.RequestID, cmd.StageID}
		stage, ok := stages[key]
		if !ok {
			stage, err = s.db.GetStage(ctx, cmd.RequestID, cmd.StageID)
			if err != nil {
				s.log.Warnw("scheduler_recover_stage_missing", "request_id", cmd.RequestID, "stage_id", cmd.StageID, "error", err)
				continue
			}
			stages[key] = stage
		}
		if err := s.channel.Dispatch(ctx, domain.NewExecutionCommand(stage, cmd)); err != nil {
			s.failDispatch(ctx, stage, cmd, err)
			continue
		}
		redispatched++
	}
	s.log.Infow("scheduler_recovered", "in_flight", len(inFlight), "redispatched", redispatched)
	return nil
}

// Tick performs one scheduling pass over every unfinished request, oldest
// first. A failing request is logged and does not stop the others.
func (s *ActionScheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := s.now()
	requests, err := s.db.PendingRequests(ctx)
	if err != nil {
		return fmt.Errorf("load pending requests: %w", err)
	}
	for i := range requests {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.processRequest(ctx, &requests[i]); err != nil {
			s.log.Errorw("scheduler_request_failed", "request_id", requests[i].ID, "error", err)
		}
	}
	s.metrics.observeTick(time.Since(start), s.slots.Snapshot())
	return nil
}

func (s *ActionScheduler) processRequest(ctx context.Context, req *domain.Request) error {
	stages, err := s.db.GetStages(ctx, req.ID)
	if err != nil {
		return err
	}

	for _, stage := range stages {
		if stage.Status() == domain.StatusCompleted {
			continue
		}

		s.applyTimeouts(ctx, stage)

		switch status := stage.Status(); status {
		case domain.StatusCompleted:
			continue
		case domain.StatusFailed, domain.StatusAborted:
			return s.failRequest(ctx, req, stage, status)
		}

		// Only the earliest unfinished stage runs; later ones wait.
		s.dispatchStage(ctx, stage)
		switch status := stage.Status(); status {
		case domain.StatusCompleted:
			continue
		case domain.StatusFailed, domain.StatusAborted:
			return s.failRequest(ctx, req, stage, status)
		}
		return s.rollUp(ctx, req, stages)
	}

	return s.finishRequest(ctx, req, domain.StatusCompleted, "")
}

// applyTimeouts fails in-flight commands that outlived their timeout.
func (s *ActionScheduler) applyTimeouts(ctx context.Context, stage *domain.Stage) {
	now := s.now()
	target := domain.StatusTimedOut
	if stage.HoldOnFailure {
		target = domain.StatusHoldingTimedOut
	}
	for _, cmd := range stage.Commands {
		if !cmd.Status.IsInFlight() || cmd.StartTime == nil {
			continue
		}
		if now.Sub(*cmd.StartTime) <= cmd.Timeout() {
			continue
		}
		ok, err := s.db.TransitionCommand(ctx, cmd.TaskID, []domain.HostRoleStatus{cmd.Status}, ports.CommandUpdate{
			Status:  target,
			EndTime: &now,
			Stderr:  fmt.Sprintf("command timed out after %s", cmd.Timeout()),
		})
		if err != nil {
			s.log.Errorw("scheduler_timeout_update_failed", "task_id", cmd.TaskID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.slots.Release(cmd.HostName)
		cmd.Status = target
		s.metrics.observeFinished(target)
		s.log.Warnw("scheduler_command_timed_out", "task_id", cmd.TaskID, "host", cmd.HostName, "role", cmd.Role, "timeout", cmd.Timeout())
		if err := s.channel.Cancel(ctx, cmd.HostName, cmd.TaskID, "timed out"); err != nil {
			s.log.Warnw("scheduler_cancel_failed", "task_id", cmd.TaskID, "host", cmd.HostName, "error", err)
		}
	}
}

// dispatchStage queues every PENDING command of the stage that fits under
// its host's cap and hands the queued ones to the channel concurrently.
func (s *ActionScheduler) dispatchStage(ctx context.Context, stage *domain.Stage) {
	pending := make([]*domain.HostRoleCommand, 0, len(stage.Commands))
	for _, cmd := range stage.Commands {
		if cmd.Status == domain.StatusPending {
			pending = append(pending, cmd)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].TaskID < pending[j].TaskID })

	var queued []*domain.HostRoleCommand
	for _, cmd := range pending {
		if cmd.IsManual() {
			ok, err := s.db.TransitionCommand(ctx, cmd.TaskID, []domain.HostRoleStatus{domain.StatusPending}, ports.CommandUpdate{Status: domain.StatusHolding})
			if err != nil {
				s.log.Errorw("scheduler_hold_failed", "task_id", cmd.TaskID, "error", err)
			} else if ok {
				cmd.Status = domain.StatusHolding
			}
			continue
		}
		if !s.slots.TryAcquire(cmd.HostName) {
			s.metrics.observeThrottled()
			continue
		}
		now := s.now()
		ok, err := s.db.TransitionCommand(ctx, cmd.TaskID, []domain.HostRoleStatus{domain.StatusPending}, ports.CommandUpdate{
			Status:           domain.StatusQueued,
			StartTime:        &now,
			IncrementAttempt: true,
		})
		if err != nil || !ok {
			s.slots.Release(cmd.HostName)
			if err != nil {
				s.log.Errorw("scheduler_queue_failed", "task_id", cmd.TaskID, "error", err)
			}
			continue
		}
		cmd.Status = domain.StatusQueued
		cmd.StartTime = &now
		queued = append(queued, cmd)
	}
	if len(queued) == 0 {
		return
	}

	// Snapshot before handing out: a synchronous channel may report back
	// before Dispatch returns.
	payloads := make([]*domain.ExecutionCommand, len(queued))
	for i, cmd := range queued {
		payloads[i] = domain.NewExecutionCommand(stage, cmd)
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed = map[int64]error{}
	)
	g.SetLimit(s.concurrency)
	for i := range queued {
		payload := payloads[i]
		g.Go(func() error {
			if err := s.channel.Dispatch(ctx, payload); err != nil {
				mu.Lock()
				failed[payload.TaskID] = err
				mu.Unlock()
				return nil
			}
			s.metrics.observeDispatch(true)
			return nil
		})
	}
	_ = g.Wait()

	for _, cmd := range queued {
		if err, ok := failed[cmd.TaskID]; ok {
			s.failDispatch(ctx, stage, cmd, err)
		}
	}
	s.log.Debugw("scheduler_stage_dispatched", "request_id", stage.RequestID, "stage_id", stage.StageID,
		"queued", len(queued), "failed", len(failed))
}

// failDispatch records a channel failure on a queued command.
func (s *ActionScheduler) failDispatch(ctx context.Context, stage *domain.Stage, cmd *domain.HostRoleCommand, cause error) {
	s.metrics.observeDispatch(false)
	target := domain.StatusFailed
	if stage.HoldOnFailure {
		target = domain.StatusHoldingFailed
	}
	now := s.now()
	ok, err := s.db.TransitionCommand(ctx, cmd.TaskID, []domain.HostRoleStatus{domain.StatusQueued}, ports.CommandUpdate{
		Status:  target,
		EndTime: &now,
		Stderr:  "dispatch failed: " + cause.Error(),
	})
	if err != nil {
		s.log.Errorw("scheduler_dispatch_fail_update_failed", "task_id", cmd.TaskID, "error", err)
		return
	}
	if !ok {
		return
	}
	s.slots.Release(cmd.HostName)
	cmd.Status = target
	s.metrics.observeFinished(target)
	s.log.Warnw("scheduler_dispatch_failed", "task_id", cmd.TaskID, "host", cmd.HostName, "role", cmd.Role, "error", cause)
}

func (s *ActionScheduler) failRequest(ctx context.Context, req *domain.Request, stage *domain.Stage, status domain.HostRoleStatus) error {
	reason := fmt.Sprintf("stage %d %s", stage.StageID, status)
	if detail := describeFailure(stage); detail != "" {
		reason += ": " + detail
	}
	aborted, err := s.db.AbortCommands(ctx, req.ID, stage.StageID, reason)
	if err != nil {
		return err
	}
	s.releaseAborted(ctx, aborted, reason)
	s.log.Warnw("scheduler_stage_failed", "request_id", req.ID, "stage_id", stage.StageID,
		"status", status, "aborted_commands", len(aborted))
	return s.finishRequest(ctx, req, domain.StatusFailed, reason)
}

// describeFailure names the first failed command so operators see which
// host and role broke the stage.
func describeFailure(stage *domain.Stage) string {
	for _, c := range stage.Commands {
		if c.Status.IsFailure() {
			return fmt.Sprintf("%s %s on %s %s", c.Role, c.RoleCommand, c.HostName, c.Status)
		}
	}
	return ""
}

func (s *ActionScheduler) releaseAborted(ctx context.Context, aborted []domain.HostRoleCommand, reason string) {
	for _, c := range aborted {
		s.metrics.observeFinished(domain.StatusAborted)
		if !c.Status.IsInFlight() {
			continue
		}
		s.slots.Release(c.HostName)
		if err := s.channel.Cancel(ctx, c.HostName, c.TaskID, reason); err != nil {
			s.log.Warnw("scheduler_cancel_failed", "task_id", c.TaskID, "host", c.HostName, "error", err)
		}
	}
}

func (s *ActionScheduler) rollUp(ctx context.Context, req *domain.Request, stages []*domain.Stage) error {
	status := domain.CalculateRequestStatus(stages)
	if status == req.Status || status.IsTerminal() {
		return nil
	}
	if err := s.db.UpdateRequestStatus(ctx, req.ID, status, ""); err != nil {
		return err
	}
	req.Status = status
	return nil
}

func (s *ActionScheduler) finishRequest(ctx context.Context, req *domain.Request, status domain.HostRoleStatus, reason string) error {
	if err := s.db.UpdateRequestStatus(ctx, req.ID, status, reason); err != nil {
		return err
	}
	req.Status = status
	s.log.Infow("scheduler_request_finished", "request_id", req.ID, "status", status, "reason", reason)
	if s.observer != nil {
		s.observer.RequestFinished(ctx, *req, status, reason)
	}
	return nil
}

// ProcessReports folds agent reports into the store. Reports for unknown,
// foreign or already terminal commands are dropped; they never reopen a
// finished command.
func (s *ActionScheduler) ProcessReports(ctx context.Context, host string, reports []domain.CommandReport) error {
	changed := false
	for _, r := range reports {
		done, err := s.processReport(ctx, host, r)
		if err != nil {
			return err
		}
		changed = changed || done
	}
	if changed {
		s.Wake()
	}
	return nil
}

func (s *ActionScheduler) processReport(ctx context.Context, host string, r domain.CommandReport) (bool, error) {
	cmd, err := s.db.GetCommand(ctx, r.TaskID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			s.log.Warnw("scheduler_report_unknown_task", "task_id", r.TaskID, "host", host)
			return false, nil
		}
		return false, err
	}
	if cmd.HostName != host {
		s.log.Warnw("scheduler_report_wrong_host", "task_id", r.TaskID, "host", host, "expected", cmd.HostName)
		return false, nil
	}
	if cmd.Status.IsTerminal() {
		s.metrics.observeLateReport()
		s.log.Infow("scheduler_late_report_ignored", "task_id", r.TaskID, "status", cmd.Status, "reported", r.Status)
		return false, nil
	}

	update := ports.CommandUpdate{
		Status:        r.Status,
		ExitCode:      r.ExitCode,
		Stdout:        r.Stdout,
		Stderr:        r.Stderr,
		StructuredOut: r.StructuredOut,
	}
	var from []domain.HostRoleStatus
	switch r.Status {
	case domain.StatusInProgress:
		from = []domain.HostRoleStatus{domain.StatusQueued}
	case domain.StatusCompleted:
		from = []domain.HostRoleStatus{domain.StatusQueued, domain.StatusInProgress}
	case domain.StatusFailed, domain.StatusTimedOut:
		from = []domain.HostRoleStatus{domain.StatusQueued, domain.StatusInProgress}
		if stage, err := s.db.GetStage(ctx, cmd.RequestID, cmd.StageID); err == nil && stage.HoldOnFailure {
			update.Status = holdingStatusFor(r.Status)
		}
	default:
		s.log.Warnw("scheduler_report_invalid_status", "task_id", r.TaskID, "status", r.Status)
		return false, nil
	}
	if update.Status != domain.StatusInProgress {
		now := s.now()
		update.EndTime = &now
	}

	ok, err := s.db.TransitionCommand(ctx, r.TaskID, from, update)
	if err != nil {
		return false, err
	}
	if !ok {
		s.metrics.observeLateReport()
		s.log.Debugw("scheduler_report_stale", "task_id", r.TaskID, "reported", r.Status)
		return false, nil
	}
	if update.Status == domain.StatusInProgress {
		return false, nil
	}
	s.slots.Release(host)
	s.metrics.observeFinished(update.Status)
	s.log.Infow("scheduler_command_finished", "task_id", r.TaskID, "host", host, "role", cmd.Role, "status", update.Status)
	return true, nil
}

func holdingStatusFor(status domain.HostRoleStatus) domain.HostRoleStatus {
	if status == domain.StatusTimedOut {
		return domain.StatusHoldingTimedOut
	}
	return domain.StatusHoldingFailed
}

// Abort cancels a request: every non-terminal command becomes ABORTED,
// in-flight ones are cancelled on their hosts and the request is ABORTED.
func (s *ActionScheduler) Abort(ctx context.Context, requestID int64, reason string) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	req, err := s.db.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return ErrRequestNotFound
		}
		return err
	}
	if req.Status.IsTerminal() {
		return fmt.Errorf("%w: request %d is %s", ErrRequestFinished, requestID, req.Status)
	}
	if reason == "" {
		reason = "aborted by operator"
	}

	aborted, err := s.db.AbortCommands(ctx, requestID, 0, reason)
	if err != nil {
		return err
	}
	s.releaseAborted(ctx, aborted, reason)
	s.log.Infow("scheduler_request_aborted", "request_id", requestID, "commands", len(aborted), "reason", reason)
	return s.finishRequest(ctx, req, domain.StatusAborted, reason)
}

// ResolveHolding applies an operator decision to a HOLDING command. PENDING
// retries it inside the same stage.
func (s *ActionScheduler) ResolveHolding(ctx context.Context, taskID int64, target domain.HostRoleStatus) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	cmd, err := s.db.GetCommand(ctx, taskID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return ErrCommandNotFound
		}
		return err
	}
	if !cmd.Status.IsHolding() {
		return fmt.Errorf("%w: task %d is %s", ErrNotHolding, taskID, cmd.Status)
	}
	if err := domain.ValidateCommandTransition(cmd.Status, target); err != nil {
		return err
	}

	update := ports.CommandUpdate{Status: target}
	if target == domain.StatusPending {
		update.ClearTimes = true
	} else {
		now := s.now()
		update.EndTime = &now
	}
	ok, err := s.db.TransitionCommand(ctx, taskID, []domain.HostRoleStatus{cmd.Status}, update)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %d changed concurrently", ErrNotHolding, taskID)
	}
	s.metrics.observeFinished(target)
	s.log.Infow("scheduler_holding_resolved", "task_id", taskID, "from", cmd.Status, "to", target)
	s.Wake()
	return nil
}
