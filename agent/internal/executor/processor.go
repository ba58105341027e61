package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clusterd/agent/config"
	"github.com/clusterd/agent/internal/communicator"
	"go.uber.org/zap"
)

// Role commands and custom command names the agent understands natively.
const (
	CmdStart         = "START"
	CmdStop          = "STOP"
	CmdInstall       = "INSTALL"
	CmdServiceCheck  = "SERVICE_CHECK"
	CmdCustomCommand = "CUSTOM_COMMAND"

	CustomRestart      = "RESTART"
	CustomSetKeytab    = "SET_KEYTAB"
	CustomRemoveKeytab = "REMOVE_KEYTAB"
)

// KeytabFetcher downloads exported keytabs from the server.
type KeytabFetcher interface {
	FetchKeytab(ctx context.Context, principal string) ([]byte, error)
}

type keytabIdentity struct {
	Principal  string `json:"principal"`
	Host       string `json:"host"`
	KeytabFile string `json:"keytab_file"`
}

type ProcessorConfig struct {
	HostName       string
	Roles          map[string]config.RoleConfig
	KeytabDir      string
	CommandTimeout time.Duration
	MaxParallel    int
	Runner         *Runner
	Keytabs        KeytabFetcher
	Logger         *zap.Logger
}

// Processor runs commands received over the heartbeat and buffers their
// reports until the next heartbeat picks them up.
type Processor struct {
	host      string
	roles     map[string]config.RoleConfig
	keytabDir string
	timeout   time.Duration
	runner    *Runner
	systemd   *SystemdManager
	files     *FileOps
	keytabs   KeytabFetcher
	logger    *zap.Logger
	slots     chan struct{}

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	seen    map[int64]bool
	outbox  []communicator.CommandReport
	wg      sync.WaitGroup
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Runner == nil {
		cfg.Runner = NewRunner(false)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Minute
	}
	return &Processor{
		host:      cfg.HostName,
		roles:     cfg.Roles,
		keytabDir: cfg.KeytabDir,
		timeout:   cfg.CommandTimeout,
		runner:    cfg.Runner,
		systemd:   NewSystemdManager(cfg.Runner),
		files:     NewFileOps(cfg.KeytabDir),
		keytabs:   cfg.Keytabs,
		logger:    cfg.Logger,
		slots:     make(chan struct{}, cfg.MaxParallel),
		running:   make(map[int64]context.CancelFunc),
		seen:      make(map[int64]bool),
	}
}

// Submit starts cmd in the background. A task already accepted is ignored,
// so redelivery after a server restart is harmless.
func (p *Processor) Submit(cmd *communicator.ExecutionCommand) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	p.mu.Lock()
	if p.seen[cmd.TaskID] {
		p.mu.Unlock()
		cancel()
		p.logger.Debug("agent_command_duplicate", zap.Int64("task_id", cmd.TaskID))
		return
	}
	p.seen[cmd.TaskID] = true
	p.running[cmd.TaskID] = cancel
	p.outbox = append(p.outbox, communicator.CommandReport{TaskID: cmd.TaskID, Status: communicator.StatusInProgress})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			p.finish(cmd, resultFromContext(ctx))
			return
		}
		defer func() { <-p.slots }()

		p.logger.Info("agent_command_start",
			zap.Int64("task_id", cmd.TaskID),
			zap.String("role", cmd.Role),
			zap.String("command", commandName(cmd)),
		)
		p.finish(cmd, p.execute(ctx, cmd))
	}()
}

// Cancel stops a running task. Its outcome is not reported since the server
// already settled it.
func (p *Processor) Cancel(taskID int64, reason string) {
	p.mu.Lock()
	cancel, ok := p.running[taskID]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.logger.Info("agent_command_cancel", zap.Int64("task_id", taskID), zap.String("reason", reason))
	cancel()
}

// Drain hands out the buffered reports.
func (p *Processor) Drain() []communicator.CommandReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.outbox
	p.outbox = nil
	return out
}

// Requeue puts reports back after a failed heartbeat, ahead of newer ones.
func (p *Processor) Requeue(reports []communicator.CommandReport) {
	if len(reports) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outbox = append(append([]communicator.CommandReport(nil), reports...), p.outbox...)
}

// Running returns the number of tasks not yet finished.
func (p *Processor) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) finish(cmd *communicator.ExecutionCommand, res *CommandResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, cmd.TaskID)

	if res.Canceled {
		return
	}
	exit := res.ExitCode
	report := communicator.CommandReport{
		TaskID:   cmd.TaskID,
		Status:   communicator.StatusCompleted,
		ExitCode: &exit,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	switch {
	case res.TimedOut:
		report.Status = communicator.StatusTimedOut
	case !res.Success():
		report.Status = communicator.StatusFailed
	}
	p.outbox = append(p.outbox, report)
	p.logger.Info("agent_command_done",
		zap.Int64("task_id", cmd.TaskID),
		zap.String("status", report.Status),
		zap.Int("exit_code", exit),
		zap.Duration("duration", res.Duration),
	)
}

func (p *Processor) execute(ctx context.Context, cmd *communicator.ExecutionCommand) *CommandResult {
	role := p.roles[cmd.Role]

	switch cmd.RoleCommand {
	case CmdStart:
		return p.unitAction(ctx, cmd, role, p.systemd.Start)
	case CmdStop:
		return p.unitAction(ctx, cmd, role, p.systemd.Stop)
	case CmdCustomCommand:
		switch cmd.CustomCommandName {
		case CustomRestart:
			if script, ok := role.Scripts[CustomRestart]; ok {
				return p.runner.Run(ctx, script, commandEnv(cmd))
			}
			return p.unitAction(ctx, cmd, role, p.systemd.Restart)
		case CustomSetKeytab:
			return p.setKeytabs(ctx, cmd)
		case CustomRemoveKeytab:
			return p.removeKeytabs(cmd)
		}
	case CmdServiceCheck:
		if _, ok := role.Scripts[CmdServiceCheck]; !ok && role.Unit != "" {
			return p.systemd.Status(ctx, role.Unit)
		}
	}

	name := commandName(cmd)
	script, ok := role.Scripts[name]
	if !ok {
		return failed("no %s script configured for role %s", name, cmd.Role)
	}
	return p.runner.Run(ctx, script, commandEnv(cmd))
}

func (p *Processor) unitAction(ctx context.Context, cmd *communicator.ExecutionCommand, role config.RoleConfig, action func(context.Context, string) *CommandResult) *CommandResult {
	if role.Unit == "" {
		return failed("no unit configured for role %s", cmd.Role)
	}
	return action(ctx, role.Unit)
}

func (p *Processor) setKeytabs(ctx context.Context, cmd *communicator.ExecutionCommand) *CommandResult {
	if p.keytabs == nil {
		return failed("keytab download is not configured")
	}
	ids, err := p.identities(cmd)
	if err != nil {
		return failed("%v", err)
	}
	var written []string
	for _, id := range ids {
		data, err := p.keytabs.FetchKeytab(ctx, id.Principal)
		if err != nil {
			return failed("fetch keytab for %s: %v", id.Principal, err)
		}
		path := filepath.Join(p.keytabDir, id.KeytabFile)
		if err := p.files.WriteSecret(path, data); err != nil {
			return failed("%v", err)
		}
		written = append(written, path)
	}
	return &CommandResult{Stdout: strings.Join(written, "\n")}
}

func (p *Processor) removeKeytabs(cmd *communicator.ExecutionCommand) *CommandResult {
	ids, err := p.identities(cmd)
	if err != nil {
		return failed("%v", err)
	}
	for _, id := range ids {
		if err := p.files.Delete(filepath.Join(p.keytabDir, id.KeytabFile)); err != nil {
			return failed("%v", err)
		}
	}
	return &CommandResult{}
}

// identities returns the keytab identities of cmd placed on this host.
func (p *Processor) identities(cmd *communicator.ExecutionCommand) ([]keytabIdentity, error) {
	raw, err := json.Marshal(cmd.Structured["identities"])
	if err != nil {
		return nil, err
	}
	var all []keytabIdentity
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode identities: %w", err)
	}
	out := all[:0]
	for _, id := range all {
		if id.Host != "" && id.Host != p.host {
			continue
		}
		if id.KeytabFile == "" || strings.ContainsAny(id.KeytabFile, "/\\") {
			return nil, fmt.Errorf("invalid keytab file %q for %s", id.KeytabFile, id.Principal)
		}
		out = append(out, id)
	}
	return out, nil
}

func commandName(cmd *communicator.ExecutionCommand) string {
	if cmd.RoleCommand == CmdCustomCommand && cmd.CustomCommandName != "" {
		return cmd.CustomCommandName
	}
	return cmd.RoleCommand
}

// commandEnv exposes the command to scripts as CLUSTERD_* variables.
func commandEnv(cmd *communicator.ExecutionCommand) []string {
	env := []string{
		"CLUSTERD_CLUSTER=" + cmd.ClusterName,
		"CLUSTERD_SERVICE=" + cmd.Service,
		"CLUSTERD_ROLE=" + cmd.Role,
		"CLUSTERD_COMMAND=" + commandName(cmd),
		"CLUSTERD_TASK_ID=" + strconv.FormatInt(cmd.TaskID, 10),
	}
	if len(cmd.ForceRefreshConfigTags) > 0 {
		env = append(env, "CLUSTERD_REFRESH_CONFIG_TAGS="+strings.Join(cmd.ForceRefreshConfigTags, ","))
	}
	keys := make([]string, 0, len(cmd.CommandParams))
	for k := range cmd.CommandParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "CLUSTERD_PARAM_"+envName(k)+"="+cmd.CommandParams[k])
	}
	return env
}

func envName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, key)
}

func failed(format string, args ...interface{}) *CommandResult {
	return &CommandResult{ExitCode: 1, Stderr: fmt.Sprintf(format, args...)}
}

func resultFromContext(ctx context.Context) *CommandResult {
	if ctx.Err() == context.DeadlineExceeded {
		return &CommandResult{ExitCode: -1, TimedOut: true, Stderr: "timed out waiting for an execution slot"}
	}
	return &CommandResult{ExitCode: -1, Canceled: true}
}
