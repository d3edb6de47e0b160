// Package process supervises model worker processes on a neuron node.
package process

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/dvellum/synapse/internal/protocol"
)

// WorkerHandle identifies one running worker.
type WorkerHandle struct {
	ModelID protocol.ModelId `json:"model_id"`
	PID     int              `json:"pid"`
}

type worker struct {
	modelID protocol.ModelId
	cmd     *exec.Cmd
}

// Manager tracks workers by pid so a model can be torn down without
// reference to the command that launched it. Termination is best effort:
// a pid that already exited is not an error.
type Manager struct {
	mu      sync.Mutex
	logger  *slog.Logger
	workers map[int]*worker
}

// NewManager creates an empty process manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:  logger.With("component", "process"),
		workers: make(map[int]*worker),
	}
}

// Spawn launches a worker for the given config. extraEnv entries are
// appended after the config's own env so callers can override the
// listen address. The process inherits the neuron's environment, reads
// nothing from stdin, and has its output forwarded to the log.
func (m *Manager) Spawn(cfg protocol.ModelConfig, extraEnv []protocol.EnvVar) (WorkerHandle, error) {
	if cfg.Command == "" {
		return WorkerHandle{}, fmt.Errorf("model %s has no launch command", cfg.ID)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	env := os.Environ()
	for _, v := range cfg.Env {
		env = append(env, v.Key+"="+v.Value)
	}
	for _, v := range extraEnv {
		env = append(env, v.Key+"="+v.Value)
	}
	cmd.Env = env
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return WorkerHandle{}, fmt.Errorf("stdout pipe for %s: %w", cfg.ID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return WorkerHandle{}, fmt.Errorf("stderr pipe for %s: %w", cfg.ID, err)
	}

	if err := cmd.Start(); err != nil {
		return WorkerHandle{}, fmt.Errorf("start worker for %s: %w", cfg.ID, err)
	}
	pid := cmd.Process.Pid

	m.mu.Lock()
	m.workers[pid] = &worker{modelID: cfg.ID, cmd: cmd}
	m.mu.Unlock()

	go m.forwardOutput(cfg.ID, pid, "stdout", stdout)
	go m.forwardOutput(cfg.ID, pid, "stderr", stderr)
	go m.reap(pid, cmd)

	m.logger.Info("worker started", "model_id", cfg.ID, "pid", pid, "command", cfg.Command)
	return WorkerHandle{ModelID: cfg.ID, PID: pid}, nil
}

func (m *Manager) forwardOutput(modelID protocol.ModelId, pid int, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		m.logger.Debug("worker output", "model_id", modelID, "pid", pid, "stream", stream, "line", scanner.Text())
	}
}

// reap waits for the process and drops it from the table on a natural
// exit. Terminated workers are already gone from the table; for those
// the wait only collects the exit status.
func (m *Manager) reap(pid int, cmd *exec.Cmd) {
	err := cmd.Wait()

	m.mu.Lock()
	w, tracked := m.workers[pid]
	if tracked {
		delete(m.workers, pid)
	}
	m.mu.Unlock()

	if tracked {
		m.logger.Info("worker exited", "model_id", w.modelID, "pid", pid, "error", err)
	}
}

// TerminateWorkersForModel kills every worker running the model and
// reports how many were signalled. The workers leave the tracking table
// before the signal goes out, whether or not it lands, so the model
// reads as torn down the moment this returns. Calling it for a model
// with no workers is a no-op.
func (m *Manager) TerminateWorkersForModel(modelID protocol.ModelId) int {
	m.mu.Lock()
	var targets []*worker
	for pid, w := range m.workers {
		if w.modelID == modelID {
			targets = append(targets, w)
			delete(m.workers, pid)
		}
	}
	m.mu.Unlock()

	for _, w := range targets {
		m.kill(w)
	}
	return len(targets)
}

// TerminateWorkerByPID kills a single tracked worker, removing it from
// the table up front. It reports false when the pid is not one of ours.
func (m *Manager) TerminateWorkerByPID(pid int) bool {
	m.mu.Lock()
	w, ok := m.workers[pid]
	if ok {
		delete(m.workers, pid)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.kill(w)
	return true
}

func (m *Manager) kill(w *worker) {
	pid := w.cmd.Process.Pid
	if err := w.cmd.Process.Kill(); err != nil {
		// Already gone; the reaper handles the rest.
		m.logger.Debug("kill failed", "model_id", w.modelID, "pid", pid, "error", err)
		return
	}
	m.logger.Info("worker killed", "model_id", w.modelID, "pid", pid)
}

// PIDsForModel lists the pids currently running the model, sorted.
func (m *Manager) PIDsForModel(modelID protocol.ModelId) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pids []int
	for pid, w := range m.workers {
		if w.modelID == modelID {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}

// Workers lists all tracked workers, sorted by pid.
func (m *Manager) Workers() []WorkerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	handles := make([]WorkerHandle, 0, len(m.workers))
	for pid, w := range m.workers {
		handles = append(handles, WorkerHandle{ModelID: w.modelID, PID: pid})
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].PID < handles[j].PID })
	return handles
}

// Shutdown kills every worker. Used when the neuron itself exits.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	targets := make([]*worker, 0, len(m.workers))
	for pid, w := range m.workers {
		targets = append(targets, w)
		delete(m.workers, pid)
	}
	m.mu.Unlock()

	for _, w := range targets {
		m.kill(w)
	}
}
