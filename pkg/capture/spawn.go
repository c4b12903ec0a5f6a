package capture

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/epli2/phantom/pkg/logger"
	"github.com/epli2/phantom/pkg/trace"
)

// TargetRunner spawns the traced command with the agent library preloaded.
type TargetRunner struct {
	agentLib   string
	socketPath string
	command    string
	args       []string
	cmd        *exec.Cmd
	log        zerolog.Logger
}

// NewTargetRunner prepares a runner for command/args with the given agent
// shared library and listener socket path.
func NewTargetRunner(agentLib, socketPath, command string, args []string) *TargetRunner {
	return &TargetRunner{
		agentLib:   agentLib,
		socketPath: socketPath,
		command:    command,
		args:       args,
		log:        logger.WithComponent("target"),
	}
}

// Start launches the target command with LD_PRELOAD set. A missing agent
// library or a failed exec is a startup failure reported to the caller.
// The target inherits stdio so interactive programs keep working.
func (r *TargetRunner) Start() error {
	if _, err := os.Stat(r.agentLib); err != nil {
		return fmt.Errorf("%w: agent library %s: %v", trace.ErrCaptureStart, r.agentLib, err)
	}

	r.cmd = exec.Command(r.command, r.args...)
	r.cmd.Stdout = os.Stdout
	r.cmd.Stderr = os.Stderr
	r.cmd.Stdin = os.Stdin
	r.cmd.Env = append(os.Environ(),
		"LD_PRELOAD="+r.agentLib,
		"PHANTOM_SOCKET="+r.socketPath,
	)

	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start target process: %v", trace.ErrCaptureStart, err)
	}
	r.log.Info().Str("command", r.command).Int("pid", r.cmd.Process.Pid).Msg("target process started")

	return nil
}

// Wait blocks until the started target exits.
func (r *TargetRunner) Wait() error {
	return r.cmd.Wait()
}

// Stop asks the target to terminate.
func (r *TargetRunner) Stop() {
	if r.cmd != nil && r.cmd.Process != nil {
		_ = r.cmd.Process.Signal(syscall.SIGTERM)
	}
}
