package buildserver

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"golang.org/x/term"
	"golang.org/x/xerrors"
)

// maxLogfiles bounds how many rotated buildserver.log.N files are kept
// per output directory.
const maxLogfiles = 6

const logfileBasename = "buildserver.log"

var buildIDHeaderRE = regexp.MustCompile(`^#### .*build_id = (.+) ####`)

func buildIDHeader(buildID string) string {
	return fmt.Sprintf("#### Start of log for build_id = %s ####\n", buildID)
}

// LogRouter owns one rotating log file handle per build-id and the
// terminal status line. It is a process-wide singleton, constructed
// explicitly and passed by reference rather than held in package
// globals.
type LogRouter struct {
	stats *Stats

	mu      sync.Mutex
	logfiles map[string]*os.File

	quiet bool
}

// NewLogRouter returns a LogRouter that reads its status-line prefix
// from stats. If quiet, no terminal output is produced (only log
// files).
func NewLogRouter(stats *Stats, quiet bool) *LogRouter {
	return &LogRouter{
		stats:    stats,
		logfiles: make(map[string]*os.File),
		quiet:    quiet,
	}
}

// CreateLogfile returns the open log handle for buildID, creating or
// rotating log files in outdir as necessary. If a crash-recovery
// candidate buildserver.log.0 already carries the same build-id header,
// it is reopened for append rather than rotated away.
func (r *LogRouter) CreateLogfile(buildID, outdir string) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.logfiles[buildID]; ok {
		return f, nil
	}

	latest := filepath.Join(outdir, logfileBasename+".0")
	if f, err := reattachLogfile(latest, buildID); err != nil {
		return nil, err
	} else if f != nil {
		r.logfiles[buildID] = f
		return f, nil
	}

	if err := rotateLogfiles(outdir); err != nil {
		return nil, err
	}

	f, err := os.Create(latest)
	if err != nil {
		return nil, xerrors.Errorf("creating %s: %w", latest, err)
	}
	if _, err := f.WriteString(buildIDHeader(buildID)); err != nil {
		f.Close()
		return nil, xerrors.Errorf("writing log header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, xerrors.Errorf("flushing log header: %w", err)
	}
	r.logfiles[buildID] = f
	return f, nil
}

// reattachLogfile opens path for append and returns it if its first
// line's header already names buildID (crash recovery). It returns a
// nil file (no error) if path does not exist or names a different
// build.
func reattachLogfile(path, buildID string) (*os.File, error) {
	existing, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("opening %s: %w", path, err)
	}
	scanner := bufio.NewScanner(existing)
	var firstLine string
	if scanner.Scan() {
		firstLine = scanner.Text()
	}
	existing.Close()

	m := buildIDHeaderRE.FindStringSubmatch(firstLine)
	if m == nil || m[1] != buildID {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, xerrors.Errorf("reopening %s for append: %w", path, err)
	}
	return f, nil
}

// rotateLogfiles shifts buildserver.log.{idx} to {idx+1} for idx from
// maxLogfiles-1 down to 0, so a new 0th file can be created. Any file
// that would land at maxLogfiles is overwritten by the rename.
func rotateLogfiles(outdir string) error {
	for idx := maxLogfiles - 1; idx >= 0; idx-- {
		cur := filepath.Join(outdir, fmt.Sprintf("%s.%d", logfileBasename, idx))
		next := filepath.Join(outdir, fmt.Sprintf("%s.%d", logfileBasename, idx+1))
		if _, err := os.Stat(cur); err != nil {
			if os.IsNotExist(err) {
				continue // nothing at this index, skip
			}
			return xerrors.Errorf("stat %s: %w", cur, err)
		}
		if err := os.Rename(cur, next); err != nil {
			return xerrors.Errorf("rotating %s to %s: %w", cur, next, err)
		}
	}
	return nil
}

// Log writes msg, prefixed with a Stats summary, to the log file for
// buildID (if one is registered) and, unless quiet is requested, to the
// terminal on a single overwritable status line. newline requests a
// trailing newline on the terminal output instead of a bare carriage
// return (used for the final STOPPING/STOPPED lines).
func (r *LogRouter) Log(msg string, buildID string, quiet, newline bool) {
	prefix := fmt.Sprintf("[%s] ", r.stats.Prefix(buildID))

	if buildID != "" {
		r.logToFile(buildID, prefix+msg)
	}

	if quiet || r.quiet {
		return
	}
	r.printStatusLine(prefix, msg, newline)
}

// LogToFile appends message verbatim (no status prefix) to buildID's
// log file. Used for the full FAILED report, which is already fully
// formatted.
func (r *LogRouter) LogToFile(buildID, message string) {
	r.logToFile(buildID, message)
}

func (r *LogRouter) logToFile(buildID, line string) {
	r.mu.Lock()
	f := r.logfiles[buildID]
	r.mu.Unlock()
	if f == nil {
		return
	}
	fmt.Fprintln(f, line)
	f.Sync()
}

func (r *LogRouter) printStatusLine(prefix, msg string, newline bool) {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = 80
	}
	maxMsgWidth := width - len(prefix)
	if maxMsgWidth > 0 && len(msg) > maxMsgWidth {
		keep := maxMsgWidth - 5 // ellipsis + 2-char head
		if keep < 0 {
			keep = 0
		}
		msg = msg[:min(2, len(msg))] + "..." + msg[max(0, len(msg)-keep):]
	}
	end := ""
	if newline {
		end = "\n"
	}
	// \r returns to column 0; \033[K erases to end of line so a
	// shorter subsequent message doesn't leave stale characters,
	// matching ninja's own overwritable status line.
	fmt.Printf("\r%s%s\033[K%s", prefix, msg, end)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Close closes all open log file handles. Used at shutdown.
func (r *LogRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.logfiles {
		f.Close()
	}
}
