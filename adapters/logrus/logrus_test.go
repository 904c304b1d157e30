package logrusadapter

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusLogger(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base)

	l.Debugf("allowed %s", "u-1")
	l.Infof("started")
	l.Warnf("skipped")
	l.Errorf("failed: %v", "boom")

	require.Len(t, hook.AllEntries(), 4)
	last := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, last.Level)
	assert.Equal(t, "failed: boom", last.Message)
	assert.Equal(t, "admission", last.Data["component"])
}
