// Package command wraps an external target binary with arguments,
// environment, optional I/O redirection and timeout, and an optional fork
// server that amortizes process-startup cost across many executions
// (spec.md §4.7).
package command

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// noForkServerPrefix disables the fork server for a single command when
// its Path starts with this prefix (the prefix is stripped before exec).
const noForkServerPrefix = "%f"

const tempFileWildcard = "@@"

// Command describes one external-binary invocation. Not safe for
// concurrent use; a Command owns at most one fork server at a time.
type Command struct {
	Path         string
	Args         []string
	Env          []string
	Out          string
	Err          string
	Timeout      time.Duration
	TempFilePath string

	forkServer *forkServer
	closeOnce  sync.Once
}

// String renders the command the way a shell would see it, stripping the
// no-fork-server prefix and substituting "@@" with TempFilePath, matching
// spec.md §4.7's ToString().
func (c *Command) String() string {
	var parts []string
	parts = append(parts, c.Env...)
	path := strings.TrimPrefix(c.Path, noForkServerPrefix)
	if c.TempFilePath != "" {
		path = strings.ReplaceAll(path, tempFileWildcard, c.TempFilePath)
	}
	parts = append(parts, path)
	parts = append(parts, c.Args...)
	line := strings.Join(parts, " ")
	if c.Out != "" {
		line += " > " + c.Out
	}
	if c.Err != "" {
		if c.Err == c.Out {
			line += " 2>&1"
		} else {
			line += " 2> " + c.Err
		}
	}
	return line
}

// forkServerDisabled reports whether Path opts out of the fork server via
// the "%f" prefix.
func (c *Command) forkServerDisabled() bool {
	return strings.HasPrefix(c.Path, noForkServerPrefix)
}

// execArgv builds the argv the subshell/fork-server child should run,
// with @@ substitution and the %f prefix stripped.
func (c *Command) execArgv() (path string, args []string) {
	path = strings.TrimPrefix(c.Path, noForkServerPrefix)
	if c.TempFilePath != "" {
		path = strings.ReplaceAll(path, tempFileWildcard, c.TempFilePath)
		args = make([]string, len(c.Args))
		for i, a := range c.Args {
			args[i] = strings.ReplaceAll(a, tempFileWildcard, c.TempFilePath)
		}
		return path, args
	}
	return path, c.Args
}

// forkServer holds the liveness-tracked state of a running fork server
// child process: two FIFOs (wakeup, exit-code) and the {dev,inode} of its
// /proc/<pid>/exe at startup, used to detect PID recycling.
type forkServer struct {
	pid        int
	fifoWakeup string
	fifoExit   string
	wakeupFd   *os.File
	exitFd     *os.File
	dev, ino   uint64
}

// StartForkServer attempts to launch a background fork-server child in
// tempDirPath, named with prefix. Returns false (not an error) if the
// command opted out via "%f", or if the shell stub fails to launch, or if
// the comms FIFOs can't be opened — all of which mean "proceed without a
// fork server", per spec.md §4.7.
func (c *Command) StartForkServer(tempDirPath, prefix string) (bool, error) {
	if c.forkServerDisabled() {
		return false, nil
	}
	if err := os.MkdirAll(tempDirPath, 0755); err != nil {
		return false, errors.Wrap(err, "command: mkdir fork-server temp dir")
	}
	fifo0 := filepath.Join(tempDirPath, prefix+"_FIFO0")
	fifo1 := filepath.Join(tempDirPath, prefix+"_FIFO1")
	pidFile := filepath.Join(tempDirPath, prefix+"_pid")
	for _, p := range []string{fifo0, fifo1} {
		os.Remove(p)
		if err := syscall.Mkfifo(p, 0600); err != nil {
			return false, errors.Wrapf(err, "command: mkfifo %s", p)
		}
	}

	path, args := c.execArgv()
	script := fmt.Sprintf(`set -eu
{
  CENTIPEDE_FORK_SERVER_FIFO0=%q CENTIPEDE_FORK_SERVER_FIFO1=%q %s %s
} &
echo -n $! > %q
`, fifo0, fifo1, path, strings.Join(args, " "), pidFile)

	cmd := exec.Command("/bin/sh", "-c", script)
	cmd.Env = append(os.Environ(), c.Env...)
	if err := cmd.Run(); err != nil {
		return false, nil // launch failure: proceed without a fork server.
	}

	wakeupFd, err := os.OpenFile(fifo0, os.O_WRONLY, 0)
	if err != nil {
		return false, nil
	}
	exitFd, err := os.OpenFile(fifo1, os.O_RDONLY, 0)
	if err != nil {
		wakeupFd.Close()
		return false, nil
	}

	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		wakeupFd.Close()
		exitFd.Close()
		return false, errors.Wrap(err, "command: read fork server pid file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		wakeupFd.Close()
		exitFd.Close()
		return false, errors.Wrap(err, "command: parse fork server pid")
	}
	var st unix.Stat_t
	if err := unix.Stat(fmt.Sprintf("/proc/%d/exe", pid), &st); err != nil {
		wakeupFd.Close()
		exitFd.Close()
		return false, errors.Wrapf(err, "command: stat /proc/%d/exe", pid)
	}

	c.forkServer = &forkServer{
		pid:        pid,
		fifoWakeup: fifo0,
		fifoExit:   fifo1,
		wakeupFd:   wakeupFd,
		exitFd:     exitFd,
		dev:        uint64(st.Dev),
		ino:        st.Ino,
	}
	return true, nil
}

// assertHealthy verifies the fork-server PID still exists and that
// /proc/<pid>/exe still resolves to the {dev,inode} recorded at startup,
// guarding against PID recycling (spec.md §4.7).
func (c *Command) assertHealthy() error {
	fs := c.forkServer
	if err := unix.Kill(fs.pid, 0); err != nil {
		return errors.Errorf("command: fork server pid %d is gone: %v", fs.pid, err)
	}
	var st unix.Stat_t
	if err := unix.Stat(fmt.Sprintf("/proc/%d/exe", fs.pid), &st); err != nil {
		return errors.Errorf("command: fork server pid %d /proc/exe unreadable: %v", fs.pid, err)
	}
	if uint64(st.Dev) != fs.dev || st.Ino != fs.ino {
		return errors.Errorf("command: fork server pid %d was recycled", fs.pid)
	}
	return nil
}

// Execute runs the command once, returning its exit status. With a live
// fork server, it writes a single wakeup byte and polls the exit-code FIFO
// up to Timeout; otherwise it spawns a fresh subshell via os/exec. A
// SIGINT-terminated child is reported as ErrSignalInterrupt so the caller
// can translate it to RequestEarlyExit (spec.md §4.7, §7).
func (c *Command) Execute() (int, error) {
	if c.forkServer != nil {
		return c.executeViaForkServer()
	}
	return c.executeViaSubshell()
}

// ErrSignalInterrupt is returned by Execute when the child was terminated
// by SIGINT; the engine translates this into RequestEarlyExit(failure).
var ErrSignalInterrupt = errors.New("command: child terminated by SIGINT")

func (c *Command) executeViaSubshell() (int, error) {
	path, args := c.execArgv()
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), c.Env...)
	if c.Out != "" {
		f, err := os.Create(c.Out)
		if err != nil {
			return -1, errors.Wrap(err, "command: open stdout redirect")
		}
		defer f.Close()
		cmd.Stdout = f
		if c.Err == c.Out {
			cmd.Stderr = f
		}
	}
	if c.Err != "" && c.Err != c.Out {
		f, err := os.Create(c.Err)
		if err != nil {
			return -1, errors.Wrap(err, "command: open stderr redirect")
		}
		defer f.Close()
		cmd.Stderr = f
	}
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() && status.Signal() == syscall.SIGINT {
				return -1, ErrSignalInterrupt
			}
			return status.ExitStatus(), nil
		}
	}
	return -1, errors.Wrap(err, "command: subshell execute")
}

func (c *Command) executeViaForkServer() (int, error) {
	if err := c.assertHealthy(); err != nil {
		return -1, err
	}
	if _, err := c.forkServer.wakeupFd.Write([]byte{' '}); err != nil {
		return -1, errors.Wrap(err, "command: write wakeup byte")
	}

	deadline := time.Now().Add(c.Timeout)
	fd := int(c.forkServer.exitFd.Fd())
	for {
		remaining := time.Until(deadline)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		n, err := unix.Poll([]unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}, int(remaining.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return -1, errors.Wrap(err, "command: poll fork server fifo")
		}
		if n == 0 {
			return -1, errors.Errorf("command: timed out waiting for fork server after %s", c.Timeout)
		}
		break
	}

	var buf [4]byte
	if _, err := c.forkServer.exitFd.Read(buf[:]); err != nil {
		return -1, errors.Wrap(err, "command: read fork server exit code")
	}
	code := int(int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24)
	return code, nil
}

// Close tears down the fork server (if any) and its FIFOs. Idempotent.
func (c *Command) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.forkServer == nil {
			return
		}
		c.forkServer.wakeupFd.Close()
		c.forkServer.exitFd.Close()
		os.Remove(c.forkServer.fifoWakeup)
		os.Remove(c.forkServer.fifoExit)
	})
	return err
}
