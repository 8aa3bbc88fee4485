// Package toolchain implements the Toolchain Adapter (C2): driving the
// external builder (configure/build/copy/register/haddock) and capturing
// its combined output to per-stage log files.
package toolchain

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"code.cloudfoundry.org/archiver/extractor"
	"github.com/pborman/uuid"
	"golang.org/x/sys/unix"
)

// ProcessFailed is raised when an invoked process exits non-zero.
type ProcessFailed struct {
	Argv     []string
	ExitCode int
}

func (e *ProcessFailed) Error() string {
	return fmt.Sprintf("command %s exited with code %d", ShellQuote(e.Argv), e.ExitCode)
}

// Adapter wraps external process execution with a fixed, pre-filtered
// environment and per-invocation logging to a stage log file.
type Adapter struct {
	// Env is the already-filtered environment (see internal/envfilter)
	// every invocation inherits.
	Env []string

	// Sink, when non-nil, additionally receives every line written to a
	// stage log file — the "log sink (bytes -> unit)" named in §6,
	// wired up when a run is invoked with --verbose.
	Sink io.Writer
}

// New returns an Adapter using env as every child process's environment.
func New(env []string) *Adapter {
	return &Adapter{Env: env}
}

// logFile lazily opens path for appending on first write, matching §4.2's
// "opened lazily on first write".
type logFile struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func newLogFile(path string) *logFile {
	return &logFile{path: path}
}

func (lf *logFile) open() (*os.File, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f != nil {
		return lf.f, nil
	}
	if err := os.MkdirAll(filepath.Dir(lf.path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	lf.f = f
	return f, nil
}

func (lf *logFile) writeLine(prefix, line string, sink io.Writer) {
	f, err := lf.open()
	if err != nil {
		return // a log file we can't open must never abort the build
	}
	fmt.Fprintf(f, "%s%s\n", prefix, line)
	if sink != nil {
		fmt.Fprintf(sink, "%s%s\n", prefix, line)
	}
}

func (lf *logFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return nil
	}
	return lf.f.Close()
}

// prefixWriter line-buffers writes and emits each completed line to a
// logFile with a fixed prefix, so stdout and stderr interleave in the log
// the way they would on a terminal, one complete line at a time.
type prefixWriter struct {
	lf     *logFile
	prefix string
	sink   io.Writer
	buf    []byte
	mu     *sync.Mutex
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := indexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.lf.writeLine(w.prefix, string(w.buf[:idx]), w.sink)
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Run invokes argv with workDir as its working directory, the adapter's
// filtered environment, and combined stdout/stderr appended to logPath:
// a "$ <shell-quoted command>" header line first, then each output line
// prefixed with the program's base name ("<prog> > "). On context
// cancellation the child's entire process group is killed before Run
// returns, per §5's cancellation rules.
func (a *Adapter) Run(ctx context.Context, workDir, logPath string, argvSlice []string) error {
	if len(argvSlice) == 0 {
		return fmt.Errorf("toolchain: empty argv")
	}

	lf := newLogFile(logPath)
	defer lf.Close()

	header := "$ " + ShellQuote(argvSlice)
	lf.writeLine("", header, a.Sink)

	cmd := exec.Command(argvSlice[0], argvSlice[1:]...)
	cmd.Dir = workDir
	cmd.Env = a.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var writeMu sync.Mutex
	prefix := fmt.Sprintf("%s > ", filepath.Base(argvSlice[0]))
	cmd.Stdout = &prefixWriter{lf: lf, prefix: prefix, sink: a.Sink, mu: &writeMu}
	cmd.Stderr = &prefixWriter{lf: lf, prefix: prefix, sink: a.Sink, mu: &writeMu}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %v", ShellQuote(argvSlice), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killProcessGroup(cmd.Process.Pid)
		<-done
		return ctx.Err()
	case err := <-done:
		if err == nil {
			return nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ProcessFailed{Argv: argvSlice, ExitCode: exitErr.ExitCode()}
		}
		return fmt.Errorf("running %s: %v", ShellQuote(argvSlice), err)
	}
}

// RunWithTimeout is Run with a wall-clock deadline, used by the TESTS
// stage's 10-minute test-suite timeout (§4.7).
func (a *Adapter) RunWithTimeout(ctx context.Context, timeout time.Duration, workDir, logPath string, argvSlice []string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := a.Run(ctx, workDir, logPath, argvSlice)
	if err == context.DeadlineExceeded {
		return fmt.Errorf("command %s timed out after %s", ShellQuote(argvSlice), timeout)
	}
	return err
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, syscall.SIGKILL)
}

// ScratchDirName returns a unique directory name for a package's unpack
// or configure scratch space, so concurrent tasks for distinct versions
// of the "same" package never collide even before a fingerprint is known.
func ScratchDirName(packageID string) string {
	return packageID + "-" + uuid.New()
}

// Download fetches url and writes its body to destPath, used by the
// UNPACK stage when a PackagePlan carries a SourceURL (§4.7).
func Download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: HTTP %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %v", destPath, err)
	}
	return w.Flush()
}

// Untar extracts the tarball at archivePath into destDir, used by the
// UNPACK stage for a downloaded SourceURL tarball (§4.7), using the tgz
// extractor from code.cloudfoundry.org/archiver.
func Untar(archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	return extractor.NewTgz().Extract(archivePath, destDir)
}
