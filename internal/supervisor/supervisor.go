// Package supervisor spawns and tracks agent subprocesses, enforces per-agent
// concurrency capacity, and reports classified completion results.
package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"agentd/internal/task"
)

// Command describes the subprocess to launch for a spawn request.
type Command struct {
	Name  string   // Binary name (e.g., "claude")
	Args  []string // Arguments, with the task instructions already rendered in
	Model string
}

// ActiveProcess is a point-in-time view of one tracked subprocess.
type ActiveProcess struct {
	TaskID    string
	RunID     string
	Agent     string
	PID       int
	Process   task.ProcessType
	SessionID string
}

// OutputFunc receives each line of subprocess output as it arrives. Called
// from the pipe-drain goroutines, so implementations must be safe for
// concurrent use.
type OutputFunc func(taskID string, line string)

// CapacityFunc reports the concurrency capacity configured for an agent.
type CapacityFunc func(agent string) int

type proc struct {
	taskID string
	runID  string
	agent  string
	model  string
	ptype  task.ProcessType
	cmd    *exec.Cmd

	mu        sync.Mutex
	output    bytes.Buffer
	sessionID string
	costUSD   float64
}

// Supervisor tracks all running agent subprocesses. Spawning and polling are
// non-blocking; subprocess exit is observed by a waiter goroutine per process
// and surfaced through Poll.
type Supervisor struct {
	logger   *slog.Logger
	capacity CapacityFunc
	onOutput OutputFunc

	mu           sync.Mutex
	procs        map[string]*proc // taskID -> live process
	completed    []task.CompletionResult
	shuttingDown bool
}

// New creates a Supervisor. capacity resolves per-agent concurrency limits;
// onOutput may be nil.
func New(capacity CapacityFunc, onOutput OutputFunc, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger:   logger,
		capacity: capacity,
		onOutput: onOutput,
		procs:    make(map[string]*proc),
	}
}

// CanSpawn reports whether the agent has spare capacity for one more
// subprocess.
func (s *Supervisor) CanSpawn(agent string) bool {
	limit := s.capacity(agent)
	if limit <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, p := range s.procs {
		if p.agent == agent {
			active++
		}
	}
	return active < limit
}

// Spawn launches a subprocess for the task in the given working directory.
// Returns the OS pid on success. The process runs in its own process group so
// the whole subprocess tree can be terminated together.
func (s *Supervisor) Spawn(t *task.Task, agent string, cmd Command, workDir, runID string, ptype task.ProcessType) (int, error) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return 0, fmt.Errorf("supervisor is shutting down")
	}
	if _, exists := s.procs[t.ID]; exists {
		s.mu.Unlock()
		return 0, fmt.Errorf("task %s already has a live process", t.ID)
	}
	s.mu.Unlock()

	c := exec.Command(cmd.Name, cmd.Args...)
	c.Dir = workDir
	c.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // New process group for clean tree termination
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	p := &proc{
		taskID: t.ID,
		runID:  runID,
		agent:  agent,
		model:  cmd.Model,
		ptype:  ptype,
		cmd:    c,
	}

	s.mu.Lock()
	s.procs[t.ID] = p
	s.mu.Unlock()

	// Drain both pipes concurrently so cmd.Wait never deadlocks on a full
	// pipe buffer, then wait and record the completion.
	go s.supervise(p, stdout, stderr)

	s.logger.Info("subprocess spawned",
		"task", t.ID, "agent", agent, "pid", c.Process.Pid, "process", string(ptype))

	return c.Process.Pid, nil
}

func (s *Supervisor) supervise(p *proc, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.drain(p, stdout)
	}()
	go func() {
		defer wg.Done()
		s.drain(p, stderr)
	}()
	wg.Wait()

	waitErr := p.cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	p.mu.Lock()
	output := p.output.String()
	sessionID := p.sessionID
	costUSD := p.costUSD
	p.mu.Unlock()

	result := task.CompletionResult{
		TaskID:    p.taskID,
		Agent:     p.agent,
		Type:      Classify(exitCode, output),
		Process:   p.ptype,
		ExitCode:  exitCode,
		Output:    output,
		SessionID: sessionID,
		CostUSD:   costUSD,
		Model:     p.model,
	}

	s.mu.Lock()
	delete(s.procs, p.taskID)
	s.completed = append(s.completed, result)
	s.mu.Unlock()
}

// drain reads one pipe line by line into the process output buffer, picking
// up agent-reported session metadata on the way.
func (s *Supervisor) drain(p *proc, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		p.mu.Lock()
		p.output.WriteString(line)
		p.output.WriteByte('\n')
		// Agents emit JSON lines; session id and cost may appear mid-flight.
		var meta struct {
			SessionID string  `json:"session_id"`
			CostUSD   float64 `json:"total_cost_usd"`
		}
		if err := json.Unmarshal([]byte(line), &meta); err == nil {
			if meta.SessionID != "" {
				p.sessionID = meta.SessionID
			}
			if meta.CostUSD > 0 {
				p.costUSD = meta.CostUSD
			}
		}
		p.mu.Unlock()

		if s.onOutput != nil {
			s.onOutput(p.taskID, line)
		}
	}
}

// Poll returns and clears all completion results accumulated since the last
// call. Never blocks.
func (s *Supervisor) Poll() []task.CompletionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := s.completed
	s.completed = nil
	return results
}

// ActiveProcesses returns a snapshot of every live subprocess.
func (s *Supervisor) ActiveProcesses() []ActiveProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make([]ActiveProcess, 0, len(s.procs))
	for _, p := range s.procs {
		p.mu.Lock()
		sessionID := p.sessionID
		p.mu.Unlock()

		active = append(active, ActiveProcess{
			TaskID:    p.taskID,
			RunID:     p.runID,
			Agent:     p.agent,
			PID:       p.cmd.Process.Pid,
			Process:   p.ptype,
			SessionID: sessionID,
		})
	}
	return active
}

// Kill terminates the task's subprocess tree with SIGKILL.
func (s *Supervisor) Kill(taskID string) error {
	s.mu.Lock()
	p, ok := s.procs[taskID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("no live process for task: %s", taskID)
	}
	return killProcessGroup(p.cmd)
}

// KillAll terminates every tracked subprocess. Used by forced shutdown.
func (s *Supervisor) KillAll() error {
	s.mu.Lock()
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := killProcessGroup(p.cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process for task %s: %w", p.taskID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// SetShuttingDown stops further spawns; existing processes keep running.
func (s *Supervisor) SetShuttingDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = true
}

// IsShuttingDown reports whether new spawns are refused.
func (s *Supervisor) IsShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// Count returns the number of live subprocesses.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// killProcessGroup kills the entire process group associated with the
// command. Negative pid addresses the group, so children die too.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}
