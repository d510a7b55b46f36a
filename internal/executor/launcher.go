package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Command describes one job process.
type Command struct {
	// Name identifies the job in logs and errors.
	Name string
	// Path is the script to run.
	Path string
	// Dir is the working directory (the pipeline directory).
	Dir string
}

// Result is what a finished process reports.
type Result struct {
	ExitCode int
	Output   []byte
}

// Launcher starts a job process and waits for it.
//
// A non-nil error means the process could not be started; a process that
// ran reports its status through Result.ExitCode.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Result, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, cmd Command) (Result, error)

func (f LauncherFunc) Launch(ctx context.Context, cmd Command) (Result, error) { return f(ctx, cmd) }

// ProcessLauncher runs scripts as OS processes.
type ProcessLauncher struct {
	// Shell interprets the script (e.g. "sh"). Empty runs the script directly,
	// which requires the executable bit and a shebang.
	Shell string
	// OutputLimit caps captured combined stdout/stderr in bytes (0 = 64 KiB).
	OutputLimit int
	// Env ("KEY=VALUE") is appended to the parent environment and wins
	// over it.
	Env []string
}

const defaultOutputLimit = 64 * 1024

func (l ProcessLauncher) Launch(ctx context.Context, cmd Command) (Result, error) {
	fi, err := os.Stat(cmd.Path)
	if err != nil {
		return Result{}, err
	}
	if fi.IsDir() {
		return Result{}, fmt.Errorf("%s is a directory", cmd.Path)
	}

	var c *exec.Cmd
	if shell := strings.TrimSpace(l.Shell); shell != "" {
		c = exec.CommandContext(ctx, shell, cmd.Path)
	} else {
		c = exec.CommandContext(ctx, cmd.Path)
	}
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), l.Env...)
	c.Stdin = nil

	limit := l.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}
	out := &tailBuffer{limit: limit}
	c.Stdout = out
	c.Stderr = out

	if err := c.Start(); err != nil {
		return Result{}, err
	}
	err = c.Wait()
	res := Result{Output: out.Bytes()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// -1 when killed by a signal.
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	// I/O errors while copying output; the process has exited.
	res.ExitCode = -1
	return res, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
	cut   bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.cut = true
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cut {
		return append([]byte(nil), b.buf...)
	}
	return append([]byte("...\n"), b.buf...)
}
