// Package rclone drives the external rclone binary for all remote-to-local,
// local-to-remote, and remote-to-remote transfers. Every invocation is a
// cancellable task: spawn, poll at an interval, terminate on a policy
// trigger, and always reap the process before returning.
package rclone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zmigrate/internal/errors"
)

// Entry is one file reported by a remote listing.
type Entry struct {
	Path string `json:"Path"`
	Size int64  `json:"Size"`
}

// Runner invokes a configured rclone binary.
type Runner struct {
	binary     string
	configPath string
}

// NewRunner creates a Runner for the given binary and optional config file.
func NewRunner(binary, configPath string) *Runner {
	return &Runner{binary: binary, configPath: configPath}
}

// Available verifies the rclone binary can be found.
func (r *Runner) Available() error {
	if _, err := exec.LookPath(r.binary); err != nil {
		return errors.MissingCapabilityError(r.binary)
	}
	return nil
}

func (r *Runner) baseArgs(args ...string) []string {
	if r.configPath != "" {
		if _, err := os.Stat(r.configPath); err == nil {
			args = append(args, "--config", r.configPath)
		}
	}
	return args
}

// ListFiles lists all files under remotePath recursively with their sizes.
func (r *Runner) ListFiles(ctx context.Context, remotePath string) ([]Entry, error) {
	args := r.baseArgs("lsjson", remotePath, "-R", "--files-only")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rclone lsjson %s: %w: %s", remotePath, err, truncate(stderr.String(), 200))
	}

	var entries []Entry
	if err := json.Unmarshal(stdout.Bytes(), &entries); err != nil {
		return nil, fmt.Errorf("rclone lsjson %s: malformed output: %w", remotePath, err)
	}
	return entries, nil
}

// ListDirs lists the immediate subdirectories of remotePath.
func (r *Runner) ListDirs(ctx context.Context, remotePath string) ([]string, error) {
	args := r.baseArgs("lsf", remotePath, "--dirs-only")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rclone lsf %s: %w: %s", remotePath, err, truncate(stderr.String(), 200))
	}

	var dirs []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		d := strings.TrimSpace(line)
		if d == "" {
			continue
		}
		dirs = append(dirs, strings.TrimSuffix(d, "/"))
	}
	return dirs, nil
}

// CopyFiles copies the paths listed in listPath (one per line, relative to
// src) from src into localDir with bounded parallel transfers. The poll
// callback runs every interval; returning a non-nil error terminates the
// copy. The returned cause is that error — early termination is expected
// control flow, not a failure — while err reports real rclone failures.
func (r *Runner) CopyFiles(ctx context.Context, src, localDir, listPath string, transfers int, interval time.Duration, poll func() error) (cause error, err error) {
	args := r.baseArgs("copy", src, localDir,
		"--files-from", listPath,
		fmt.Sprintf("--transfers=%d", transfers),
		"--ignore-errors", "--no-traverse", "--quiet")

	return r.runMonitored(ctx, args, interval, poll)
}

// CopyDirect copies a single file between two remotes server-side, never
// touching local disk.
func (r *Runner) CopyDirect(ctx context.Context, src, dst string, interval time.Duration, poll func() error) (cause error, err error) {
	args := r.baseArgs("copyto", src, dst, "--ignore-errors", "--quiet")
	return r.runMonitored(ctx, args, interval, poll)
}

// CopyTree additively copies localDir's contents to dst. Files already
// present at the destination are left untouched, so disjoint archives merge
// into one tree.
func (r *Runner) CopyTree(ctx context.Context, localDir, dst string, transfers int, interval time.Duration, poll func() error) (cause error, err error) {
	args := r.baseArgs("copy", localDir, dst,
		fmt.Sprintf("--transfers=%d", transfers),
		"--ignore-existing", "--ignore-errors", "--quiet")
	return r.runMonitored(ctx, args, interval, poll)
}

// runMonitored spawns rclone and polls until it exits, the context is
// cancelled, or the poll callback withdraws permission. The process is
// always reaped before returning.
func (r *Runner) runMonitored(ctx context.Context, args []string, interval time.Duration, poll func() error) (cause error, err error) {
	var stderr bytes.Buffer
	cmd := exec.Command(r.binary, args...)
	cmd.Stderr = &stderr

	log.WithField("args", args).Debug("Starting rclone")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start rclone: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			if waitErr != nil {
				return nil, fmt.Errorf("rclone failed: %w: %s", waitErr, truncate(stderr.String(), 200))
			}
			return nil, nil

		case <-ctx.Done():
			terminate(cmd, done)
			return nil, ctx.Err()

		case <-ticker.C:
			if poll == nil {
				continue
			}
			if pollErr := poll(); pollErr != nil {
				terminate(cmd, done)
				return pollErr, nil
			}
		}
	}
}

// terminate kills the process and reaps it, with a bounded wait in case the
// kill signal is never delivered.
func terminate(cmd *exec.Cmd, done chan error) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("rclone did not exit after kill, abandoning process")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
