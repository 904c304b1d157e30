package sink

import (
	"context"
	"sort"
	"strings"

	admission "github.com/jassus213/go-admission"
)

// LogMetrics writes every data point at debug level.
type LogMetrics struct {
	logger admission.Logger
}

// NewLogMetrics creates a LogMetrics. A nil logger discards everything.
func NewLogMetrics(l admission.Logger) *LogMetrics {
	if l == nil {
		l = admission.NopLogger()
	}
	return &LogMetrics{logger: l}
}

// Emit logs the data point.
func (s *LogMetrics) Emit(_ context.Context, name string, value float64, tags map[string]string) error {
	s.logger.Debugf("metric %s%s = %g", name, formatTags(tags), value)
	return nil
}

// LogAlerts writes every alert at warn level.
type LogAlerts struct {
	logger admission.Logger
}

// NewLogAlerts creates a LogAlerts. A nil logger discards everything.
func NewLogAlerts(l admission.Logger) *LogAlerts {
	if l == nil {
		l = admission.NopLogger()
	}
	return &LogAlerts{logger: l}
}

// Notify logs the alert.
func (s *LogAlerts) Notify(_ context.Context, subject, body string) error {
	s.logger.Warnf("ALERT %s: %s", subject, body)
	return nil
}

// formatTags renders tags as {k="v",...} in key order.
func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := sortedKeys(tags)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(tags[k])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
