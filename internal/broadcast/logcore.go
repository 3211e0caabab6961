package broadcast

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"
)

// SessionField is the log field key that attributes a line to a session.
const SessionField = "session"

// logCore mirrors log entries to observers as KindLog lines.
type logCore struct {
	zapcore.LevelEnabler
	b      *Broadcaster
	fields []zapcore.Field
}

// LogCore returns a zapcore.Core that publishes every entry at or above
// level as a log line. Lines are formatted "[identity] message key=value"
// where identity comes from the SessionField field.
//
// Postcondition: Returns a non-nil Core.
func (b *Broadcaster) LogCore(level zapcore.LevelEnabler) zapcore.Core {
	return &logCore{LevelEnabler: level, b: b}
}

func (c *logCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &logCore{LevelEnabler: c.LevelEnabler, b: c.b}
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *logCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *logCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	c.b.Log(FormatLine(ent.Message, enc.Fields))
	return nil
}

func (c *logCore) Sync() error { return nil }

// FormatLine renders a log message and its fields as a single observer line.
//
// Postcondition: Keys other than SessionField appear sorted as key=value.
func FormatLine(msg string, fields map[string]any) string {
	var sb strings.Builder
	if id, ok := fields[SessionField]; ok {
		fmt.Fprintf(&sb, "[%v] ", id)
	}
	sb.WriteString(msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == SessionField || strings.HasSuffix(k, "Verbose") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, fields[k])
	}
	return sb.String()
}
