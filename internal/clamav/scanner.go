package clamav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultImage is the ClamAV container used when none is configured.
const DefaultImage = "clamav/clamav-debian:latest"

// DefaultParallelScans bounds concurrent clamscan containers. Each one loads
// the full signature database, so the mirror's download concurrency is too high.
const DefaultParallelScans = 2

// Sentinel errors
var (
	ErrDockerUnavailable = errors.New("docker command not available")
)

// Scanner scans files for malware.
type Scanner interface {
	Scan(ctx context.Context, path string) (Result, error)
}

// Result represents the outcome of a malware scan.
type Result struct {
	File     string
	Clean    bool
	Threats  []string
	Metadata Metadata
}

// Metadata contains information about the scan environment.
type Metadata struct {
	EngineVersion string
	DatabaseDate  string
	ScanDuration  time.Duration
}

// DockerScanner implements Scanner using ClamAV in a Docker container.
// Docker availability, the image pull and the engine version are resolved
// once per scanner and reused for every file of a mirror run.
type DockerScanner struct {
	runner CommandRunner
	image  string
	logger *slog.Logger
	slots  chan struct{}

	mu       sync.Mutex
	prepared bool
	version  string
}

// NewDockerScanner creates a scanner that uses ClamAV in Docker.
func NewDockerScanner(runner CommandRunner, image string, logger *slog.Logger) *DockerScanner {
	if image == "" {
		image = DefaultImage
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DockerScanner{
		runner: runner,
		image:  image,
		logger: logger,
		slots:  make(chan struct{}, DefaultParallelScans),
	}
}

// WithParallelism sets how many containers may scan at once.
func (s *DockerScanner) WithParallelism(n int) *DockerScanner {
	if n > 0 {
		s.slots = make(chan struct{}, n)
	}
	return s
}

// Scan scans one file. The file's directory is mounted read-only and only the
// file itself is passed to clamscan.
func (s *DockerScanner) Scan(ctx context.Context, path string) (Result, error) {
	start := time.Now()

	version, err := s.prepare(ctx)
	if err != nil {
		return Result{}, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get absolute path: %w", err)
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	output, err := runClamscan(ctx, s.runner, s.image, absPath)
	<-s.slots

	exitCode := 0
	if err != nil {
		exitCode = extractExitCode(err)
		if exitCode < 0 {
			return Result{}, fmt.Errorf("failed to run clamscan: %w", err)
		}
	}

	result, err := parseResult([]byte(stripPullProgress(string(output))), exitCode, version)
	if err != nil {
		return Result{}, fmt.Errorf("scanning %s: %w", filepath.Base(path), err)
	}
	result.File = filepath.Base(path)

	result.Metadata.ScanDuration = time.Since(start)
	s.logger.Debug("clamav scan completed",
		"file", filepath.Base(path),
		"clean", result.Clean,
		"duration_ms", result.Metadata.ScanDuration.Milliseconds())
	return result, nil
}

// prepare checks docker, pulls the image and reads the engine version. A
// failure is not cached so a later call can retry.
func (s *DockerScanner) prepare(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared {
		return s.version, nil
	}

	if !isDockerAvailable(ctx, s.runner) {
		return "", ErrDockerUnavailable
	}
	if err := ensureImage(ctx, s.runner, s.image); err != nil {
		return "", fmt.Errorf("failed to ensure image: %w", err)
	}

	version, err := s.getVersion(ctx)
	if err != nil {
		s.logger.Warn("failed to get ClamAV version", "error", err)
		version = "unknown"
	}
	s.version = version
	s.prepared = true
	return version, nil
}

// getVersion retrieves the ClamAV version from the container.
func (s *DockerScanner) getVersion(ctx context.Context) (string, error) {
	output, err := s.runner.Run(ctx, "docker", "run", "--rm", s.image, "clamscan", "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// isDockerAvailable checks if the docker command is available.
func isDockerAvailable(ctx context.Context, runner CommandRunner) bool {
	_, err := runner.Run(ctx, "docker", "--version")
	return err == nil
}

// ensureImage pulls image unless it is already present locally.
func ensureImage(ctx context.Context, runner CommandRunner, image string) error {
	if _, err := runner.Run(ctx, "docker", "image", "inspect", image); err == nil {
		return nil
	}
	if _, err := runner.Run(ctx, "docker", "pull", image); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

// runClamscan executes clamscan in a Docker container.
func runClamscan(ctx context.Context, runner CommandRunner, image, path string) ([]byte, error) {
	args := buildDockerArgs(image, filepath.Dir(path), "/scan", filepath.Base(path))
	return runner.Run(ctx, "docker", args...)
}

// buildDockerArgs constructs arguments for docker run, mounting hostDir
// read-only at containerDir and scanning containerDir/name.
func buildDockerArgs(image, hostDir, containerDir, name string) []string {
	return []string{
		"run",
		"--rm",
		"--network", "none",
		"-v", fmt.Sprintf("%s:%s:ro", hostDir, containerDir),
		image,
		"clamscan",
		"--stdout",
		"--no-summary",
		containerDir + "/" + name,
	}
}

// extractExitCode attempts to extract an exit code from an error.
// Returns -1 if the error is not an exit error.
func extractExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	// Mocks implement ExitCode directly.
	type exitCoder interface {
		ExitCode() int
	}
	var coder exitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}

	return -1
}

var pullProgressMarkers = []string{"Pulling from", "Digest:", "Status:", "Downloaded", "Pull complete"}

// stripPullProgress drops docker pull progress lines from combined output.
func stripPullProgress(output string) string {
	var kept []string
	for _, line := range strings.Split(output, "\n") {
		if !isPullProgress(line) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func isPullProgress(line string) bool {
	for _, m := range pullProgressMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
