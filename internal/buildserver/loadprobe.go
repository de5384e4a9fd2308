package buildserver

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// LoadProbe abstracts the host load signals the Scheduler's admission
// heuristic reads, so tests can inject fixed values instead of reading
// the real kernel state.
type LoadProbe interface {
	// RunningProcesses returns the kernel's count of currently
	// runnable processes (Linux: /proc/stat's procs_running line).
	RunningProcesses() (int, error)
	// LoadAverage1m returns the 1-minute load average.
	LoadAverage1m() (float64, error)
	// CPUCount returns the number of usable CPUs.
	CPUCount() int
}

// linuxLoadProbe is the production LoadProbe, reading /proc/stat (the
// same file internal/trace already parses for its CPU counters, just a
// different line) and the kernel's load-average via sysinfo(2).
type linuxLoadProbe struct{}

// NewLoadProbe returns the production Linux LoadProbe.
func NewLoadProbe() LoadProbe { return linuxLoadProbe{} }

func (linuxLoadProbe) RunningProcesses() (int, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, xerrors.Errorf("opening /proc/stat: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "procs_running") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, xerrors.Errorf("parsing procs_running: %w", err)
		}
		return n, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, xerrors.Errorf("procs_running not found in /proc/stat")
}

func (linuxLoadProbe) LoadAverage1m() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, xerrors.Errorf("sysinfo: %w", err)
	}
	// Loads[0] is the 1-minute load average, fixed-point scaled by
	// 1<<16, matching glibc's getloadavg(3) representation.
	return float64(info.Loads[0]) / (1 << 16), nil
}

func (linuxLoadProbe) CPUCount() int {
	return runtime.NumCPU()
}

// fakeLoadProbe is used by tests to drive the admission heuristic
// deterministically.
type fakeLoadProbe struct {
	running  int
	loadAvg1 float64
	cpus     int
}

func (f fakeLoadProbe) RunningProcesses() (int, error)  { return f.running, nil }
func (f fakeLoadProbe) LoadAverage1m() (float64, error) { return f.loadAvg1, nil }
func (f fakeLoadProbe) CPUCount() int                   { return f.cpus }
