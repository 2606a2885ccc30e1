package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNew_LevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info")
	require.Equal(t, logrus.InfoLevel, l.GetLevel())

	Event(l, EventVaultUnlocked, "personal").WithField("count", 3).Info("unlocked")
	out := buf.String()
	require.Contains(t, out, "event=vault_unlocked")
	require.Contains(t, out, "vault=personal")
	require.Contains(t, out, "count=3")

	buf.Reset()
	l.Debug("hidden")
	require.Empty(t, buf.String())
}

func TestNew_BadLevelFallsBackToWarn(t *testing.T) {
	l := New(&bytes.Buffer{}, "loud")
	require.Equal(t, logrus.WarnLevel, l.GetLevel())
}

func TestDiscard(t *testing.T) {
	l := Discard()
	require.NotPanics(t, func() { Event(l, EventVaultLocked, "x").Error("dropped") })
}
