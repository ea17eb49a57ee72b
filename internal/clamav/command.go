// Package clamav scans mirrored artifacts for malware with ClamAV running in
// a Docker container.
package clamav

import (
	"context"
	"os/exec"
	"sync"
)

// CommandRunner executes external commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes actual system commands.
type RealCommandRunner struct{}

// NewRealCommandRunner creates a command runner that executes real commands.
func NewRealCommandRunner() *RealCommandRunner {
	return &RealCommandRunner{}
}

// Run executes a command and returns combined stdout/stderr output.
func (r *RealCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// MockCommandRunner returns a fixed output and error for every call. Safe for
// concurrent use since scans run from the download worker pool.
type MockCommandRunner struct {
	Output []byte
	Err    error

	mu    sync.Mutex
	calls [][]string
}

// Run records the call and returns the configured output and error.
func (m *MockCommandRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]string{name}, args...))
	return m.Output, m.Err
}

// Calls returns the recorded invocations.
func (m *MockCommandRunner) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.calls))
	copy(out, m.calls)
	return out
}
