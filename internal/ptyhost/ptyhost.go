// Package ptyhost spawns a child process under a pseudo-terminal and
// exposes its byte stream and lifecycle as channels. It is the lowest
// layer of the session stack: it knows nothing about sessions, brokers,
// or cursors — only about one child and its PTY master.
package ptyhost

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// ExitInfo describes how the child process ended.
type ExitInfo struct {
	Code   *int
	Signal *string
	Err    string
}

// Host owns one PTY-backed child process.
type Host struct {
	mu  sync.Mutex
	ptm *os.File // nil once closed or after spawn failure
	cmd *exec.Cmd
	pid int

	data chan []byte
	exit chan ExitInfo

	closeOnce sync.Once
}

// Start spawns cmd under a new PTY sized cols x rows, with cwd and env
// applied, and begins draining its output in the background. A spawn
// failure does not return an error: it reports a synthetic exit on Exit()
// instead, so callers have one failure path (the exit stream) regardless
// of when the failure happens.
func Start(command string, args []string, env []string, cwd string, cols, rows uint16) *Host {
	h := &Host{
		data: make(chan []byte, 64),
		exit: make(chan ExitInfo, 1),
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	cmd.Env = env

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		close(h.data)
		h.exit <- ExitInfo{Err: fmt.Sprintf("spawn failed: %v", err)}
		close(h.exit)
		return h
	}

	h.ptm = ptm
	h.cmd = cmd
	h.pid = cmd.Process.Pid

	go h.readLoop()

	return h
}

// ProcessID returns the child's pid, or 0 if spawn failed.
func (h *Host) ProcessID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// Data returns the channel of output chunks. It is closed after the last
// chunk, before Exit() is signalled.
func (h *Host) Data() <-chan []byte { return h.data }

// Exit returns a channel that receives exactly one ExitInfo, then closes.
func (h *Host) Exit() <-chan ExitInfo { return h.exit }

// Write sends bytes to the child's stdin. It never blocks the caller beyond
// the kernel pty buffer and is a documented no-op once the host is closed
// or the child never spawned.
func (h *Host) Write(p []byte) (int, error) {
	h.mu.Lock()
	ptm := h.ptm
	h.mu.Unlock()
	if ptm == nil {
		return 0, nil
	}
	return ptm.Write(p)
}

// Resize changes the PTY window size. No-op if the host has no live PTY.
func (h *Host) Resize(cols, rows uint16) error {
	h.mu.Lock()
	ptm := h.ptm
	h.mu.Unlock()
	if ptm == nil {
		return nil
	}
	return pty.Setsize(ptm, &pty.Winsize{Cols: cols, Rows: rows})
}

// Close kills the child's whole process group and releases the PTY master.
// Idempotent.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		pid := h.pid
		ptm := h.ptm
		h.ptm = nil
		h.mu.Unlock()

		if pid > 0 {
			if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
				syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				syscall.Kill(pid, syscall.SIGKILL)
			}
		}
		if ptm != nil {
			ptm.Close()
		}
	})
	return nil
}

// readLoop drains the PTY master, emits chunks on Data(), and on EOF waits
// for the child to fully exit before emitting the terminal ExitInfo.
func (h *Host) readLoop() {
	ptm := h.ptm
	buf := make([]byte, 4096)
	for {
		n, err := ptm.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.data <- chunk
		}
		if err != nil {
			break
		}
	}
	close(h.data)

	waitErr := h.cmd.Wait()

	h.mu.Lock()
	ptm.Close()
	h.ptm = nil
	h.mu.Unlock()

	info := ExitInfo{}
	if waitErr == nil {
		code := 0
		info.Code = &code
	} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				sig := status.Signal().String()
				info.Signal = &sig
			} else {
				code := status.ExitStatus()
				info.Code = &code
			}
		} else {
			info.Err = exitErr.Error()
		}
	} else {
		info.Err = waitErr.Error()
	}

	h.exit <- info
	close(h.exit)
}
