// Package runner spawns the coding-agent subprocess and turns its
// stream-json output into work-log events and a final result.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/claps-dev/claps/internal/metrics"
)

// Options configures a single agent run.
type Options struct {
	Prompt        string
	SystemPrompt  string
	WorkDir       string
	SessionID     string // resume when non-empty
	MaxTurns      int
	Timeout       time.Duration
	MaxOutputSize int
	SanitizeEnv   bool
	TaskID        string
	GatewayPort   int
}

// WorkLogEvent is a progress signal emitted while the agent runs.
type WorkLogEvent struct {
	Type    string // tool_start, tool_end, error, thinking, approval_pending
	Tool    string
	Details string
}

// EventFunc receives work-log events on the reader goroutine.
type EventFunc func(WorkLogEvent)

// RunResult is the outcome of one agent run.
type RunResult struct {
	Success   bool
	Output    string
	SessionID string
	PRURL     string
	Error     string
	ExitCode  int
}

var prURLPattern = regexp.MustCompile(`https://github\.com/[^/]+/[^/]+/pull/\d+`)

// Runner executes the agent binary.
type Runner struct {
	bin     string
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a runner for the given agent binary.
func New(bin string, m *metrics.Metrics, logger zerolog.Logger) *Runner {
	return &Runner{
		bin:     bin,
		metrics: m,
		logger:  logger.With().Str("component", "runner").Logger(),
	}
}

// buildArgs assembles the agent CLI arguments. Order is load-bearing.
func buildArgs(opts Options) []string {
	args := []string{"--dangerously-skip-permissions"}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	args = append(args,
		"--system-prompt", opts.SystemPrompt,
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	)
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	return args
}

// buildEnv derives the child environment.
func buildEnv(opts Options) []string {
	env := make([]string, 0, len(os.Environ())+3)
	for _, kv := range os.Environ() {
		if opts.SanitizeEnv && strings.HasPrefix(kv, "SLACK_") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		"CLAUDE_PROJECT_DIR="+opts.WorkDir,
		"CLAPS_TASK_ID="+opts.TaskID,
		fmt.Sprintf("APPROVAL_SERVER_URL=http://localhost:%d", opts.GatewayPort),
	)
	return env
}

// Run executes the agent and blocks until it exits or times out. Work-log
// events are delivered on onEvent as the stream arrives; onEvent may be nil.
func (r *Runner) Run(ctx context.Context, opts Options, onEvent EventFunc) RunResult {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.MaxOutputSize <= 0 {
		opts.MaxOutputSize = 1 << 20
	}

	cmd := exec.CommandContext(ctx, r.bin, buildArgs(opts)...)
	cmd.Dir = opts.WorkDir
	cmd.Env = buildEnv(opts)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{Error: fmt.Sprintf("stdout pipe: %v", err), ExitCode: -1}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return RunResult{Error: fmt.Sprintf("stderr pipe: %v", err), ExitCode: -1}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return RunResult{Error: fmt.Sprintf("stdin pipe: %v", err), ExitCode: -1}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{Error: fmt.Sprintf("starting agent: %v", err), ExitCode: -1}
	}
	stdin.Close()

	if r.metrics != nil {
		r.metrics.AgentRunsActive.Inc()
		defer r.metrics.AgentRunsActive.Dec()
	}
	r.logger.Info().
		Str("task_id", opts.TaskID).
		Str("work_dir", opts.WorkDir).
		Bool("resume", opts.SessionID != "").
		Msg("agent started")

	parser := newStreamParser(opts.MaxOutputSize, onEvent)
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				parser.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	errCollector := newCappedBuffer(opts.MaxOutputSize)
	errDone := make(chan struct{})
	go func() {
		defer close(errDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				errCollector.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		cmd.Process.Signal(syscall.SIGTERM)
		select {
		case waitErr = <-waitCh:
		case <-time.After(time.Second):
			cmd.Process.Kill()
			waitErr = <-waitCh
		}
	case <-ctx.Done():
		cmd.Process.Signal(syscall.SIGTERM)
		waitErr = <-waitCh
	}
	<-outDone
	<-errDone

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	res := RunResult{
		SessionID: parser.SessionID(),
		Output:    parser.FinalText(),
		ExitCode:  exitCode,
	}
	if m := prURLPattern.FindString(res.Output); m != "" {
		res.PRURL = m
	}

	switch {
	case timedOut:
		res.Error = fmt.Sprintf("Timeout after %dms", opts.Timeout.Milliseconds())
	case exitCode != 0:
		res.Error = strings.TrimSpace(errCollector.String())
		if res.Error == "" {
			res.Error = fmt.Sprintf("agent exited with code %d", exitCode)
		}
	default:
		res.Success = true
	}

	r.logger.Info().
		Str("task_id", opts.TaskID).
		Int("exit_code", exitCode).
		Bool("success", res.Success).
		Dur("duration", time.Since(start)).
		Msg("agent finished")
	return res
}
