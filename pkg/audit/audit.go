package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/osprey-sec/osprey/pkg/models"
	"github.com/osprey-sec/osprey/pkg/oserr"
)

const (
	eventsFile  = "events.jsonl"
	metricsFile = "metrics.json"
	consoleFile = "console.log"
)

// Logger owns one session's audit directory. Events append to events.jsonl;
// one JSON object per line, never rewritten. Metrics go through the usual
// tmp+rename discipline so the file always parses.
type Logger struct {
	dir string

	mu      sync.Mutex
	events  *os.File
	metrics *models.Metrics
}

// Open creates (or reopens) the audit directory for a session. Existing
// metrics are loaded so attempt history survives restarts.
func Open(root, target, sessionID string) (*Logger, error) {
	dir := DirFor(root, target, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, oserr.Filesystem(fmt.Errorf("create audit dir %s: %w", dir, err))
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, oserr.Filesystem(fmt.Errorf("open audit events: %w", err))
	}
	l := &Logger{dir: dir, events: f}
	l.metrics = l.loadMetrics()
	return l, nil
}

// Dir returns the session's audit directory.
func (l *Logger) Dir() string { return l.dir }

// Close flushes and closes the event stream.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events == nil {
		return nil
	}
	err := l.events.Close()
	l.events = nil
	return err
}

// LogEvent appends one event line. A nil logger drops events so callers can
// run without an audit stream. Write failures are logged, not returned; an
// unwritable audit line must not abort an agent mid-turn.
func (l *Logger) LogEvent(kind models.EventKind, agent string, payload map[string]any) {
	if l == nil {
		return
	}
	ev := models.Event{Timestamp: time.Now().UTC(), Kind: kind, Agent: agent, Payload: payload}
	line, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal audit event", "kind", kind, "error", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events == nil {
		slog.Warn("Audit event after Close", "kind", kind)
		return
	}
	if _, err := l.events.Write(append(line, '\n')); err != nil {
		slog.Warn("Failed to append audit event", "kind", kind, "error", err)
	}
}

// RecordAttempt appends one attempt to the agent's metrics block and persists
// metrics.json. Status reflects the latest attempt; a rolled-back attempt
// clears the agent's checkpoint.
func (l *Logger) RecordAttempt(agent string, attempt models.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	am := l.metrics.Agents[agent]
	if am == nil {
		am = &models.AgentMetrics{}
		l.metrics.Agents[agent] = am
	}
	am.Attempts = append(am.Attempts, attempt)
	am.Status = attempt.Status
	am.TotalCostUSD = 0
	for _, a := range am.Attempts {
		am.TotalCostUSD += a.CostUSD
	}
	am.FinalDurationMS = attempt.EndedAt.Sub(attempt.StartedAt).Milliseconds()
	if attempt.Status == models.AttemptRolledBack {
		am.Checkpoint = ""
	} else if attempt.Checkpoint != "" {
		am.Checkpoint = attempt.Checkpoint
	}

	return l.persistMetricsLocked()
}

// Metrics returns a deep copy of the current metrics document.
func (l *Logger) Metrics() *models.Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyMetrics(l.metrics)
}

func (l *Logger) loadMetrics() *models.Metrics {
	m := &models.Metrics{Agents: map[string]*models.AgentMetrics{}}
	data, err := os.ReadFile(filepath.Join(l.dir, metricsFile))
	if err != nil {
		return m
	}
	if err := json.Unmarshal(data, m); err != nil {
		slog.Warn("Corrupt metrics.json ignored", "dir", l.dir, "error", err)
		return &models.Metrics{Agents: map[string]*models.AgentMetrics{}}
	}
	if m.Agents == nil {
		m.Agents = map[string]*models.AgentMetrics{}
	}
	return m
}

func (l *Logger) persistMetricsLocked() error {
	data, err := json.MarshalIndent(l.metrics, "", "  ")
	if err != nil {
		return oserr.Filesystem(fmt.Errorf("marshal metrics: %w", err))
	}
	path := filepath.Join(l.dir, metricsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return oserr.Filesystem(fmt.Errorf("write metrics temp file: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return oserr.Filesystem(fmt.Errorf("rename metrics file: %w", err))
	}
	return nil
}

func copyMetrics(m *models.Metrics) *models.Metrics {
	out := &models.Metrics{Agents: make(map[string]*models.AgentMetrics, len(m.Agents))}
	for name, am := range m.Agents {
		c := *am
		c.Attempts = append([]models.Attempt(nil), am.Attempts...)
		out.Agents[name] = &c
	}
	return out
}

// ReadMetrics loads a session's metrics.json without opening the event
// stream. Used by the reconciler and status command.
func ReadMetrics(root, target, sessionID string) (*models.Metrics, error) {
	dir := DirFor(root, target, sessionID)
	data, err := os.ReadFile(filepath.Join(dir, metricsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &models.Metrics{Agents: map[string]*models.AgentMetrics{}}, nil
		}
		return nil, oserr.Filesystem(fmt.Errorf("read metrics: %w", err))
	}
	var m models.Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, oserr.Filesystem(fmt.Errorf("parse metrics: %w", err))
	}
	if m.Agents == nil {
		m.Agents = map[string]*models.AgentMetrics{}
	}
	return &m, nil
}

// LastEventTimes scans events.jsonl and returns the newest event timestamp
// per agent. Lines that fail to parse are skipped; the stream may end with
// a torn line after a crash.
func LastEventTimes(root, target, sessionID string) (map[string]time.Time, error) {
	dir := DirFor(root, target, sessionID)
	f, err := os.Open(filepath.Join(dir, eventsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]time.Time{}, nil
		}
		return nil, oserr.Filesystem(fmt.Errorf("open audit events: %w", err))
	}
	defer f.Close()

	out := map[string]time.Time{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev models.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Agent == "" {
			continue
		}
		if ev.Timestamp.After(out[ev.Agent]) {
			out[ev.Agent] = ev.Timestamp
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, oserr.Filesystem(fmt.Errorf("scan audit events: %w", err))
	}
	return out, nil
}
