package procscan

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindOrphansDetectsReparentedAndMissingParent(t *testing.T) {
	procs := []Process{
		{PID: 1, PPID: 0, Name: "init"},
		{PID: 10, PPID: 1, Name: "harnessd"},   // reparented to init: orphan
		{PID: 11, PPID: 999, Name: "harnessd"}, // parent not in table: orphan
		{PID: 12, PPID: 1, Name: "bash"},       // different executable: ignored
		{PID: 13, PPID: 10, Name: "harnessd"},  // parent present, not 1: not orphan
	}

	orphans := FindOrphans(procs, "harnessd")
	var pids []int
	for _, o := range orphans {
		pids = append(pids, o.PID)
	}
	require.ElementsMatch(t, []int{10, 11}, pids)
}

func TestListReturnsSomeProcesses(t *testing.T) {
	procs, err := List()
	require.NoError(t, err)
	require.NotEmpty(t, procs)
}

func TestStartTimeStableForSelf(t *testing.T) {
	pid := os.Getpid()
	first, err := StartTime(pid)
	if err != nil {
		t.Skipf("start time unavailable on this platform: %v", err)
	}
	second, err := StartTime(pid)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.NotZero(t, first)
}

func TestSameProcessMatchesSelfAndRejectsWrongStartTime(t *testing.T) {
	pid := os.Getpid()
	start, err := StartTime(pid)
	if err != nil {
		t.Skipf("start time unavailable on this platform: %v", err)
	}
	require.True(t, SameProcess(pid, start))
	require.False(t, SameProcess(pid, start+1))
}

func TestSameProcessDeadPid(t *testing.T) {
	// pids wrap well below this on every supported platform.
	require.False(t, SameProcess(1<<22+12345, 0))
}
