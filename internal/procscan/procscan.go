// Package procscan scans the OS process table to answer "is this pid
// still the process I think it is" and "which daemon processes look
// orphaned". It backs the gateway's lockfile liveness check and orphan
// sweep.
package procscan

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// ErrStartTimeUnavailable is returned by StartTime on platforms without a
// readable per-process start timestamp. Callers fall back to a pid-only
// liveness check.
var ErrStartTimeUnavailable = errors.New("procscan: process start time unavailable on this platform")

// Process is the subset of process-table information callers need.
type Process struct {
	PID  int
	PPID int
	Name string
}

// List returns a snapshot of the OS process table.
func List() ([]Process, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		out = append(out, Process{PID: p.Pid(), PPID: p.PPid(), Name: p.Executable()})
	}
	return out, nil
}

// Alive reports whether pid is currently present in the process table.
func Alive(pid int) (bool, error) {
	p, err := ps.FindProcess(pid)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

// StartTime returns an opaque, kernel-stable token for when pid started,
// in clock ticks since boot on Linux (field 22 of /proc/<pid>/stat). Two
// reads for the same live process always agree, and a recycled pid gets a
// different value, which is what the lockfile ownership proof needs.
func StartTime(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrStartTimeUnavailable
		}
		return 0, err
	}
	// comm (field 2) may contain spaces and is parenthesized; everything
	// after the closing paren is space-separated, with starttime at
	// position 22 overall, i.e. index 19 of the post-paren fields.
	end := strings.LastIndexByte(string(data), ')')
	if end < 0 {
		return 0, fmt.Errorf("procscan: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(string(data[end+1:]))
	if len(fields) < 20 {
		return 0, fmt.Errorf("procscan: short /proc/%d/stat", pid)
	}
	ticks, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("procscan: parse starttime for pid %d: %w", pid, err)
	}
	return ticks, nil
}

// SameProcess reports whether pid is alive and, where the platform allows
// it, started at startTime. A zero startTime skips the start-time half of
// the check.
func SameProcess(pid int, startTime uint64) bool {
	alive, err := Alive(pid)
	if err != nil || !alive {
		return false
	}
	if startTime == 0 {
		return true
	}
	current, err := StartTime(pid)
	if err != nil {
		// No /proc start time on this platform: degrade to the pid-only
		// check. Any other read or parse failure means the start time
		// cannot be verified, so the pid does not count as the same process.
		return errors.Is(err, ErrStartTimeUnavailable)
	}
	return current == startTime
}

// FindOrphans returns processes in procs whose name matches exeName and
// whose parent pid is 1 (reparented to init, i.e. orphaned) or absent from
// procs entirely.
func FindOrphans(procs []Process, exeName string) []Process {
	byPID := make(map[int]Process, len(procs))
	for _, p := range procs {
		byPID[p.PID] = p
	}
	var out []Process
	for _, p := range procs {
		if p.Name != exeName {
			continue
		}
		if p.PPID == 1 {
			out = append(out, p)
			continue
		}
		if _, ok := byPID[p.PPID]; !ok {
			out = append(out, p)
		}
	}
	return out
}
