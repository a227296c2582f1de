package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "coopkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileAndFlagDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
timer_engine: wheel
limits:
  - message_type: orders.Placed
    count: 10
    interval: 1s
`)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	l, err := New(path, fs)
	require.NoError(t, err)

	c := l.Current()
	assert.Equal(t, "wheel", c.TimerEngine)
	require.Len(t, c.Limits, 1)
	assert.Equal(t, "orders.Placed", c.Limits[0].MessageType)
	assert.Equal(t, 10, c.Limits[0].Count)
	assert.Equal(t, time.Second, c.Limits[0].Interval)
}

func TestLoadWithoutFileUsesFlagDefault(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	l, err := New("", fs)
	require.NoError(t, err)
	assert.Equal(t, "heap", l.Current().TimerEngine)
}

func TestOnChangeFiresAfterFileEdit(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "timer_engine: heap\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	l, err := New(path, fs)
	require.NoError(t, err)

	changed := make(chan Config, 1)
	l.OnChange(func(c Config) { changed <- c })

	require.NoError(t, os.WriteFile(path, []byte("timer_engine: wheel\n"), 0o600))

	select {
	case c := <-changed:
		assert.Equal(t, "wheel", c.TimerEngine)
	case <-time.After(2 * time.Second):
		t.Fatal("config change was not observed")
	}
}
