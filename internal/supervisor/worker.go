package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Worker is one managed backend instance. The production implementation
// wraps a child process; tests substitute in-process HTTP servers.
type Worker interface {
	// Start launches the worker and returns once it answers /health.
	Start(ctx context.Context) error
	// Stop terminates the worker: gentle first, hard kill after grace.
	Stop(grace time.Duration)
	// URL is the worker's base URL for dispatch and health probes.
	URL() string
	// Done is closed when the worker has exited.
	Done() <-chan struct{}
}

// Factory builds the worker that will listen on port.
type Factory func(id, port int) Worker

// readyTimeout bounds how long Start waits for a fresh worker's first
// successful health probe. Covers the migration step on a cold storage root.
const readyTimeout = 15 * time.Second

// ProcessWorker runs one worker as a child process with its port and shared
// storage directories injected through the environment.
type ProcessWorker struct {
	bin    string
	args   []string
	env    []string
	url    string
	logger *slog.Logger

	cmd  *exec.Cmd
	done chan struct{}
}

// NewProcessWorker prepares (but does not start) a child-process worker.
// extraEnv is appended to the parent environment; PORT is set from port.
func NewProcessWorker(bin string, args, extraEnv []string, port int, logger *slog.Logger) *ProcessWorker {
	if logger == nil {
		logger = slog.Default()
	}

	env := append([]string{}, extraEnv...)
	env = append(env, fmt.Sprintf("PORT=%d", port))

	return &ProcessWorker{
		bin:    bin,
		args:   args,
		env:    env,
		url:    fmt.Sprintf("http://127.0.0.1:%d", port),
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (w *ProcessWorker) URL() string { return w.url }

func (w *ProcessWorker) Done() <-chan struct{} { return w.done }

// Start launches the process and blocks until its /health endpoint answers
// or the ready timeout elapses.
func (w *ProcessWorker) Start(ctx context.Context) error {
	cmd := exec.Command(w.bin, w.args...)
	cmd.Env = append(os.Environ(), w.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: starting worker %s: %w", w.url, err)
	}

	w.cmd = cmd

	go func() {
		_ = cmd.Wait()
		close(w.done)
	}()

	w.logger.Info("worker process started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("url", w.url),
	)

	return w.waitReady(ctx)
}

// waitReady polls /health until the worker answers.
func (w *ProcessWorker) waitReady(ctx context.Context) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(readyTimeout)

	for {
		select {
		case <-ctx.Done():
			w.Stop(0)
			return ctx.Err()
		case <-w.done:
			return fmt.Errorf("supervisor: worker %s exited before becoming ready", w.url)
		default:
		}

		resp, err := client.Get(w.url + "/health")
		if err == nil {
			resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		if time.Now().After(deadline) {
			w.Stop(0)
			return fmt.Errorf("supervisor: worker %s not ready after %s", w.url, readyTimeout)
		}

		time.Sleep(250 * time.Millisecond)
	}
}

// Stop sends SIGTERM, waits up to grace for a clean exit, then kills.
func (w *ProcessWorker) Stop(grace time.Duration) {
	if w.cmd == nil || w.cmd.Process == nil {
		return
	}

	select {
	case <-w.done:
		return
	default:
	}

	if grace > 0 {
		if err := w.cmd.Process.Signal(syscall.SIGTERM); err == nil {
			select {
			case <-w.done:
				return
			case <-time.After(grace):
			}
		}
	}

	w.logger.Warn("killing worker process", slog.String("url", w.url))

	_ = w.cmd.Process.Kill()
	<-w.done
}
