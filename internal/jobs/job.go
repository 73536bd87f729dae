package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type int

const (
	CheckRevisions Type = iota
	Scan
	PluginUnload
)

var typeNames = [...]string{
	CheckRevisions: "checkRevisions",
	Scan:           "scan",
	PluginUnload:   "pluginUnload",
}

func (t Type) String() string {
	if t < CheckRevisions || t > PluginUnload {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

type Status int

const (
	Running Status = iota
	Success
	Warning
	Error
)

var statusNames = [...]string{
	Running: "running",
	Success: "success",
	Warning: "warning",
	Error:   "error",
}

func (s Status) String() string {
	if s < Running || s > Error {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Job is the handle of one running unit of work. Release must be called
// once the work is done.
type Job struct {
	monitor *Monitor
	id      string
	typ     Type
	name    string
	started time.Time
	logger  *slog.Logger

	mx          sync.Mutex
	finished    time.Time
	progress    int
	maxProgress int
	hasProgress bool
	status      Status
	log         []string

	releaseOnce sync.Once
}

// Snapshot is a point in time copy of a Job, used for status reporting.
type Snapshot struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Name        string     `json:"name"`
	Progress    *int       `json:"progress,omitempty"`
	MaxProgress *int       `json:"maxProgress,omitempty"`
	Log         []string   `json:"log"`
	Status      Status     `json:"status"`
	Started     time.Time  `json:"started"`
	Finished    *time.Time `json:"finished,omitempty"`
}

func newJob(m *Monitor, logger *slog.Logger, typ Type, name string) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Job{
		monitor: m,
		id:      uuid.NewString(),
		typ:     typ,
		name:    name,
		started: m.now(),
		status:  Running,
	}
	j.logger = slog.New(&captureHandler{job: j, next: logger.Handler()})
	return j
}

func (j *Job) ID() string   { return j.id }
func (j *Job) Name() string { return j.name }

// Logger writes to the job log and to the logger the job was started with.
func (j *Job) Logger() *slog.Logger {
	return j.logger
}

func (j *Job) SetProgress(progress, maxProgress int) {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.progress = progress
	j.maxProgress = maxProgress
	j.hasProgress = true
}

func (j *Job) SetStatus(status Status) {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.status = status
}

func (j *Job) Status() Status {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.status
}

// Release finishes the job. A job still Running becomes Success.
// Calling Release more than once has no effect.
func (j *Job) Release() {
	j.releaseOnce.Do(func() {
		j.mx.Lock()
		if j.status == Running {
			j.status = Success
		}
		j.finished = j.monitor.now()
		j.mx.Unlock()
		j.monitor.finish(j)
	})
}

func (j *Job) finishedAt() time.Time {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.finished
}

func (j *Job) Snapshot() Snapshot {
	j.mx.Lock()
	defer j.mx.Unlock()
	s := Snapshot{
		ID:      j.id,
		Type:    j.typ,
		Name:    j.name,
		Log:     slices.Clone(j.log),
		Status:  j.status,
		Started: j.started,
	}
	if s.Log == nil {
		s.Log = []string{}
	}
	if j.hasProgress {
		p, m := j.progress, j.maxProgress
		s.Progress, s.MaxProgress = &p, &m
	}
	if !j.finished.IsZero() {
		f := j.finished
		s.Finished = &f
	}
	return s
}

func (j *Job) appendLog(line string) {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.log = append(j.log, line)
}

// captureHandler records every message into the job log and forwards
// records the next handler is enabled for.
type captureHandler struct {
	job    *Job
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(r.Message)
	prefix := strings.Join(h.groups, ".")
	for _, a := range h.attrs {
		writeAttr(&sb, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, prefix, a)
		return true
	})
	h.job.appendLog(sb.String())

	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := strings.Join(h.groups, ".")
	qualified := slices.Clone(h.attrs)
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		qualified = append(qualified, a)
	}
	return &captureHandler{
		job:    h.job,
		next:   h.next.WithAttrs(attrs),
		attrs:  qualified,
		groups: h.groups,
	}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &captureHandler{
		job:    h.job,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		groups: append(slices.Clone(h.groups), name),
	}
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	} else if key == "" {
		key = prefix
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(sb, key, ga)
		}
		return
	}
	sb.WriteByte(' ')
	sb.WriteString(key)
	sb.WriteByte('=')
	sb.WriteString(a.Value.String())
}
