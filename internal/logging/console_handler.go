package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler renders one header line per record followed by indented
// fields. INFO lines drop fields whose value has not changed since the last
// line about the same item so a worker loop does not repeat itself.
type consoleHandler struct {
	shared    *consoleState
	level     *slog.LevelVar
	attrs     []slog.Attr
	groups    []string
	addSource bool
}

type consoleState struct {
	mu       sync.Mutex
	writer   io.Writer
	lastSeen map[string]map[string]string
}

// subject holds the attributes promoted into the header line.
type subject struct {
	component  string
	itemID     string
	stage      string
	dependency string
}

func newConsoleHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return &consoleHandler{
		shared:    &consoleState{writer: w, lastSeen: make(map[string]map[string]string)},
		level:     lvl,
		addSource: addSource,
	}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	if !h.Enabled(context.Background(), record.Level) {
		return nil
	}
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	kvs := make([]kv, 0, record.NumAttrs()+len(h.attrs))
	flattenAttrs(&kvs, h.groups, h.attrs)
	record.Attrs(func(attr slog.Attr) bool {
		flattenAttr(&kvs, h.groups, attr)
		return true
	})
	kvs = dedupeKVsByKey(kvs)
	subj, rest := splitSubject(kvs)

	message := strings.TrimSpace(record.Message)
	if message == "" {
		message = "(no message)"
	}

	var buf bytes.Buffer
	buf.Grow(256 + len(kvs)*32)
	writeHeader(&buf, ts, record.Level, subj, message)
	if h.addSource {
		writeSource(&buf, record.Source())
	}
	buf.WriteByte('\n')

	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	if record.Level < slog.LevelInfo {
		writeRawFields(&buf, rest)
	} else {
		fields, hidden := selectInfoFields(rest, 0, true)
		fields = h.shared.dropUnchanged(subj, fields, record.Level)
		writeInfoFields(&buf, fields, hidden)
	}
	_, err := h.shared.writer.Write(buf.Bytes())
	return err
}

func splitSubject(kvs []kv) (subject, []kv) {
	var subj subject
	rest := make([]kv, 0, len(kvs))
	for _, kv := range kvs {
		switch kv.key {
		case FieldComponent:
			subj.component = attrString(kv.value)
			continue
		case FieldItemID:
			subj.itemID = attrString(kv.value)
		case FieldStage:
			subj.stage = attrString(kv.value)
		case FieldDependency:
			subj.dependency = attrString(kv.value)
		}
		if isSecretKey(kv.key) {
			kv.value = slog.StringValue(redacted)
		}
		rest = append(rest, kv)
	}
	return subj, rest
}

// dropUnchanged filters INFO fields already printed for the same item or
// component. Warnings and errors always print every field but still refresh
// the cache.
func (s *consoleState) dropUnchanged(subj subject, fields []infoField, level slog.Level) []infoField {
	key := strings.TrimSpace(subj.itemID)
	if key == "" {
		key = subj.component
	}
	if key == "" || len(fields) == 0 {
		return fields
	}
	seen, ok := s.lastSeen[key]
	if !ok {
		seen = make(map[string]string)
		s.lastSeen[key] = seen
	}
	if level > slog.LevelInfo {
		for _, f := range fields {
			seen[f.label] = f.value
		}
		return fields
	}
	return slices.DeleteFunc(fields, func(f infoField) bool {
		if prev, ok := seen[f.label]; ok && prev == f.value {
			return true
		}
		seen[f.label] = f.value
		return false
	})
}

func writeHeader(buf *bytes.Buffer, ts time.Time, level slog.Level, subj subject, message string) {
	buf.WriteString(formatTimestamp(ts))
	buf.WriteByte(' ')
	buf.WriteString(levelLabel(level))
	if subj.component != "" {
		buf.WriteString(" [")
		buf.WriteString(subj.component)
		buf.WriteByte(']')
	}
	if s := subj.String(); s != "" {
		buf.WriteByte(' ')
		buf.WriteString(s)
	}
	buf.WriteString(" – ")
	buf.WriteString(message)
}

func writeSource(buf *bytes.Buffer, src *slog.Source) {
	if src == nil || src.File == "" {
		return
	}
	buf.WriteString(" [")
	buf.WriteString(filepath.Base(src.File))
	buf.WriteByte(':')
	buf.WriteString(strconv.Itoa(src.Line))
	buf.WriteByte(']')
}

func writeInfoFields(buf *bytes.Buffer, fields []infoField, hidden int) {
	for _, f := range fields {
		buf.WriteString("    - ")
		buf.WriteString(f.label)
		buf.WriteString(": ")
		buf.WriteString(f.value)
		buf.WriteByte('\n')
	}
	if hidden > 0 {
		buf.WriteString("    + ")
		buf.WriteString(strconv.Itoa(hidden))
		if hidden == 1 {
			buf.WriteString(" more field hidden\n")
		} else {
			buf.WriteString(" more fields hidden\n")
		}
	}
}

func writeRawFields(buf *bytes.Buffer, kvs []kv) {
	for _, kv := range kvs {
		buf.WriteString("    ")
		buf.WriteString(kv.key)
		buf.WriteString(": ")
		buf.WriteString(formatValue(kv.value))
		buf.WriteByte('\n')
	}
}

// String renders "item (stage) → dependency", dropping absent parts.
func (s subject) String() string {
	item := strings.TrimSpace(s.itemID)
	stage := strings.TrimSpace(s.stage)
	dep := strings.TrimSpace(s.dependency)

	var out string
	switch {
	case item != "" && stage != "":
		out = item + " (" + stage + ")"
	case item != "":
		out = item
	default:
		out = stage
	}
	switch {
	case dep == "":
		return out
	case out == "":
		return "→ " + dep
	default:
		return out + " → " + dep
	}
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(slices.Clip(h.attrs), attrs...)
	return &clone
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.groups = append(slices.Clip(h.groups), name)
	return &clone
}

type kv struct {
	key   string
	value slog.Value
}

// dedupeKVsByKey keeps the first position of each key with its last value.
func dedupeKVsByKey(attrs []kv) []kv {
	positions := make(map[string]int, len(attrs))
	out := make([]kv, 0, len(attrs))
	for _, attr := range attrs {
		if attr.key == "" {
			continue
		}
		if pos, ok := positions[attr.key]; ok {
			out[pos].value = attr.value
			continue
		}
		positions[attr.key] = len(out)
		out = append(out, attr)
	}
	return out
}

func flattenAttrs(dst *[]kv, prefix []string, attrs []slog.Attr) {
	for _, attr := range attrs {
		flattenAttr(dst, prefix, attr)
	}
}

func flattenAttr(dst *[]kv, prefix []string, attr slog.Attr) {
	if attr.Equal(slog.Attr{}) {
		return
	}
	attr.Value = attr.Value.Resolve()
	if attr.Value.Kind() == slog.KindGroup {
		next := prefix
		if attr.Key != "" {
			next = append(slices.Clip(prefix), attr.Key)
		}
		flattenAttrs(dst, next, attr.Value.Group())
		return
	}
	key := attr.Key
	if len(prefix) > 0 {
		key = strings.Join(append(slices.Clip(prefix), attr.Key), ".")
		key = strings.TrimSuffix(key, ".")
	}
	*dst = append(*dst, kv{key: key, value: attr.Value})
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
