package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/unified-agent-system/agenthub/breaker"
	"github.com/unified-agent-system/agenthub/contract"
)

// StageDef names one pipeline stage and bounds its runtime.
type StageDef struct {
	Name    string
	Timeout time.Duration
}

// DefaultStages returns the ordered stage list a pipeline runs.
func DefaultStages() []StageDef {
	return []StageDef{
		{Name: "setup-task", Timeout: 5 * time.Minute},
		{Name: "run-implementer", Timeout: 30 * time.Minute},
		{Name: "run-local-review", Timeout: 15 * time.Minute},
		{Name: "report-judge", Timeout: 20 * time.Minute},
		{Name: "finalize-task", Timeout: 5 * time.Minute},
	}
}

// killGrace is how long a SIGTERMed stage gets before SIGKILL.
const killGrace = 2 * time.Second

// stageError reports a failed or timed-out stage.
type stageError struct {
	Stage    string
	TimedOut bool
	Err      error
}

func (e *stageError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("stage %s timed out", e.Stage)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *stageError) Unwrap() error {
	return e.Err
}

// pipeline is one in-flight task: its contract, the current child process,
// and the cancellation state. The supervisor owns pipelines by task id.
type pipeline struct {
	taskID   string
	contract *contract.Contract

	mu        sync.Mutex
	current   *exec.Cmd
	cancelled bool
	escalated bool
	diff      breaker.DiffStats

	done chan struct{}
}

func newPipeline(c *contract.Contract) *pipeline {
	return &pipeline{
		taskID:   c.TaskID,
		contract: c,
		done:     make(chan struct{}),
	}
}

// cancel flips the cancelled flag and terminates the current stage child.
// Safe to call repeatedly; only the first call acts.
func (p *pipeline) cancel() bool {
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return false
	}
	p.cancelled = true
	child := p.current
	p.mu.Unlock()

	if child != nil && child.Process != nil {
		terminate(child)
	}
	return true
}

func (p *pipeline) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// markEscalated returns true the first time only, so a cancelled pipeline's
// contract is escalated exactly once.
func (p *pipeline) markEscalated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.escalated {
		return false
	}
	p.escalated = true
	return true
}

// recordDiff stores the latest gate measurements so stage-boundary trigger
// checks see the draft the worker actually submitted.
func (p *pipeline) recordDiff(d breaker.DiffStats) {
	p.mu.Lock()
	p.diff = d
	p.mu.Unlock()
}

func (p *pipeline) diffStats() breaker.DiffStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.diff
}

// setCurrent records the running child so cancellation can reach it.
func (p *pipeline) setCurrent(cmd *exec.Cmd) {
	p.mu.Lock()
	p.current = cmd
	p.mu.Unlock()
}

// runStage executes one stage as an external process: SIGTERM on timeout,
// SIGKILL after the grace window. Exit code zero is success.
func (p *pipeline) runStage(stage StageDef, workerCmd []string, workDir string) error {
	if p.isCancelled() {
		return &stageError{Stage: stage.Name, Err: fmt.Errorf("pipeline cancelled")}
	}

	args := append(append([]string{}, workerCmd[1:]...), stage.Name, "--task", p.taskID)
	cmd := exec.Command(workerCmd[0], args...)
	cmd.Dir = workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return &stageError{Stage: stage.Name, Err: err}
	}
	p.setCurrent(cmd)
	defer p.setCurrent(nil)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		if p.isCancelled() {
			return &stageError{Stage: stage.Name, Err: fmt.Errorf("pipeline cancelled")}
		}
		if err != nil {
			return &stageError{Stage: stage.Name, Err: err}
		}
		return nil
	case <-time.After(stage.Timeout):
		terminate(cmd)
		<-waitCh
		return &stageError{Stage: stage.Name, TimedOut: true, Err: fmt.Errorf("exceeded %s", stage.Timeout)}
	}
}

// terminate asks a child to exit and kills it after the grace window.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	exited := make(chan struct{})
	go func() {
		for {
			// Signal 0 probes liveness without delivering anything.
			if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
				close(exited)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-exited:
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
	}
}
