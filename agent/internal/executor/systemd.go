package executor

import (
	"context"
	"fmt"
	"strings"
)

// SystemdManager drives role units through systemctl.
type SystemdManager struct {
	runner *Runner
}

func NewSystemdManager(runner *Runner) *SystemdManager {
	return &SystemdManager{runner: runner}
}

func (s *SystemdManager) Start(ctx context.Context, unit string) *CommandResult {
	return s.systemctl(ctx, "start", unit)
}

func (s *SystemdManager) Stop(ctx context.Context, unit string) *CommandResult {
	return s.systemctl(ctx, "stop", unit)
}

func (s *SystemdManager) Restart(ctx context.Context, unit string) *CommandResult {
	return s.systemctl(ctx, "restart", unit)
}

// Status succeeds when the unit is active.
func (s *SystemdManager) Status(ctx context.Context, unit string) *CommandResult {
	return s.systemctl(ctx, "is-active", unit)
}

func (s *SystemdManager) systemctl(ctx context.Context, action, unit string) *CommandResult {
	if err := validateServiceName(unit); err != nil {
		return &CommandResult{ExitCode: -1, Stderr: err.Error()}
	}
	return s.runner.Run(ctx, fmt.Sprintf("systemctl %s %s", action, unit), nil)
}

func validateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}

	// Prevent command injection
	if strings.ContainsAny(name, ";&|`$(){}[]<>\\\"' \n\t") {
		return fmt.Errorf("invalid characters in service name")
	}

	if strings.Contains(name, "/") {
		return fmt.Errorf("service name cannot contain path separators")
	}

	return nil
}
