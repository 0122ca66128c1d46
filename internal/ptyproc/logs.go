package ptyproc

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sandboxlabs/agentd/internal/clock"
)

// processLogs owns the three open log files one process writes to for its
// lifetime: stdout, stderr, and combined (interleaved, stream-tagged).
type processLogs struct {
	mu       sync.Mutex
	stdout   *os.File
	stderr   *os.File
	combined *os.File
}

func openLogs(paths LogPaths) (*processLogs, error) {
	stdout, err := os.OpenFile(paths.Stdout, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	stderr, err := os.OpenFile(paths.Stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		return nil, err
	}
	combined, err := os.OpenFile(paths.Combined, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, err
	}
	return &processLogs{stdout: stdout, stderr: stderr, combined: combined}, nil
}

// writeLine appends a timestamp-prefixed line to the named stream's own log
// file and a stream-tagged copy to the combined log, matching
// process_manager.rs's "[{timestamp}] {line}" / "[{timestamp}] [{stream}]
// {line}" formats.
func (l *processLogs) writeLine(clk clock.Clock, stream, line string) {
	ts := formatTimestamp(clk)
	l.mu.Lock()
	defer l.mu.Unlock()

	switch stream {
	case "stdout":
		fmt.Fprintf(l.stdout, "[%s] %s\n", ts, line)
	case "stderr":
		fmt.Fprintf(l.stderr, "[%s] %s\n", ts, line)
	}
	fmt.Fprintf(l.combined, "[%s] [%s] %s\n", ts, stream, line)
}

// writeRaw appends unframed bytes to the combined log only, used for PTY
// output, which process_manager.rs never line-splits or stream-tags.
func (l *processLogs) writeRaw(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.combined.Write(data)
}

func (l *processLogs) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stdout.Close()
	l.stderr.Close()
	l.combined.Close()
}

func formatTimestamp(clk clock.Clock) string {
	return clk.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// stripTimestamps removes a leading "[timestamp] " prefix from each line
// when the bracketed content looks like a timestamp: at least 19
// characters (the length of "2006-01-02T15:04:05") starting with a digit.
// Mirrors process_manager.rs's strip_timestamps heuristic exactly so a log
// file written by either implementation reads the same way.
func stripTimestamps(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "[") {
			continue
		}
		end := strings.Index(line, "] ")
		if end < 0 {
			continue
		}
		candidate := line[1:end]
		if len(candidate) >= 19 && candidate[0] >= '0' && candidate[0] <= '9' {
			lines[i] = line[end+2:]
		}
	}
	return strings.Join(lines, "\n")
}

// tailLines returns the last `tail` lines of content (all of them if tail
// is 0) along with the returned line count, matching read_logs's
// saturating-subtract tail slice.
func tailLines(content string, tail int) (string, int) {
	if content == "" {
		return "", 0
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n"), len(lines)
}
