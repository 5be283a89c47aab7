package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"go/format"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffypooo/proctop/internal/registry"
	"github.com/jeffypooo/proctop/internal/system"
	"github.com/jeffypooo/proctop/internal/system/systemtest"
)

func quietLogger() *log.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

func newController(fake *systemtest.Fake, goos string) *Controller {
	return NewController(fake, registry.NewCriticalSet(registry.DefaultCriticalProcesses),
		WithPlatform(goos), WithLogger(quietLogger()))
}

func TestTerminateRefusesCriticalProcess(t *testing.T) {
	fake := systemtest.New()
	fake.Put(system.ProcessStat{Pid: 4, Name: "System"})
	c := newController(fake, "windows")

	out := c.Terminate(context.Background(), 4)
	assert.False(t, out.OK)
	assert.ErrorIs(t, out.Err, ErrProtected)
	assert.Contains(t, out.Message, "critical")
	assert.Empty(t, fake.Calls(), "no signal may reach the OS")
}

func TestTerminateGraceful(t *testing.T) {
	fake := systemtest.New()
	fake.Put(system.ProcessStat{Pid: 100, Name: "app.exe"})
	c := newController(fake, "linux")

	out := c.Terminate(context.Background(), 100)
	require.True(t, out.OK, out.Message)
	assert.Contains(t, out.Message, "gracefully")
	assert.Len(t, fake.CallsFor("terminate"), 1)
	assert.Empty(t, fake.CallsFor("kill"))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	fake := systemtest.New()
	fake.Put(system.ProcessStat{Pid: 100, Name: "stubborn"})
	fake.IgnoreTerminate = true
	c := newController(fake, "linux")

	out := c.Terminate(context.Background(), 100)
	require.True(t, out.OK, out.Message)
	assert.Contains(t, out.Message, "forcibly")

	var ops []string
	for _, call := range fake.Calls() {
		ops = append(ops, call.Op)
	}
	assert.Equal(t, []string{"terminate", "wait", "kill"}, ops)
}

func TestTerminateFailures(t *testing.T) {
	fake := systemtest.New()
	c := newController(fake, "linux")

	out := c.Terminate(context.Background(), 999)
	assert.False(t, out.OK)
	assert.ErrorIs(t, out.Err, system.ErrNotFound)
	assert.Contains(t, out.Message, "does not exist")

	fake.Put(system.ProcessStat{Pid: 5, Name: "rootd"})
	fake.SignalErr = system.ErrAccessDenied
	out = c.Terminate(context.Background(), 5)
	assert.False(t, out.OK)
	assert.ErrorIs(t, out.Err, system.ErrAccessDenied)
	assert.Contains(t, out.Message, "administrator")

	fake.SignalErr = errors.New("boom")
	out = c.Terminate(context.Background(), 5)
	assert.False(t, out.OK)
	assert.Contains(t, out.Message, "boom")
}

func TestSetPriority(t *testing.T) {
	fake := systemtest.New()
	fake.Put(system.ProcessStat{Pid: 7, Name: "job"})

	out := newController(fake, "linux").SetPriority(context.Background(), 7, "High")
	require.True(t, out.OK, out.Message)
	calls := fake.CallsFor("priority")
	require.Len(t, calls, 1)
	assert.Equal(t, -10, calls[0].Native)

	out = newController(fake, "windows").SetPriority(context.Background(), 7, "low")
	require.True(t, out.OK, out.Message)
	assert.Equal(t, 0x4000, fake.CallsFor("priority")[1].Native)
}

func TestSetPriorityFailures(t *testing.T) {
	fake := systemtest.New()
	fake.Put(system.ProcessStat{Pid: 7, Name: "job"})
	c := newController(fake, "linux")

	out := c.SetPriority(context.Background(), 7, "turbo")
	assert.False(t, out.OK)
	assert.ErrorIs(t, out.Err, ErrInvalidLevel)
	assert.Empty(t, fake.Calls())

	out = c.SetPriority(context.Background(), 8, "low")
	assert.ErrorIs(t, out.Err, system.ErrNotFound)

	fake.PriorityErr = system.ErrAccessDenied
	out = c.SetPriority(context.Background(), 7, "realtime")
	assert.False(t, out.OK)
	assert.ErrorIs(t, out.Err, system.ErrAccessDenied)
}

func TestLaunchSpawns(t *testing.T) {
	fake := systemtest.New()
	fake.NextPid = 4242
	c := newController(fake, "linux")

	out := c.Launch(context.Background(), `sleep "10"`)
	require.True(t, out.OK, out.Message)
	assert.EqualValues(t, 4242, out.Pid)
	assert.Contains(t, out.Message, "4242")
	calls := fake.CallsFor("spawn")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"sleep", "10"}, calls[0].Args)
}

func TestLaunchFallsBackToOpen(t *testing.T) {
	fake := systemtest.New()
	fake.SpawnErr = system.ErrNotExecutable
	c := newController(fake, "linux")

	out := c.Launch(context.Background(), "/home/me/report.pdf")
	require.True(t, out.OK, out.Message)
	assert.Zero(t, out.Pid)
	require.Len(t, fake.CallsFor("open"), 1)
	assert.Equal(t, []string{"/home/me/report.pdf"}, fake.CallsFor("open")[0].Args)

	out = c.Launch(context.Background(), "/home/me/report.pdf --page 2")
	assert.False(t, out.OK)
	assert.ErrorIs(t, out.Err, ErrLaunch)
}

func TestLaunchWindowsDocumentsUseHandler(t *testing.T) {
	fake := systemtest.New()
	c := newController(fake, "windows")

	out := c.Launch(context.Background(), "notes.txt")
	require.True(t, out.OK, out.Message)
	assert.Zero(t, out.Pid)
	assert.Len(t, fake.CallsFor("open"), 1)
	assert.Empty(t, fake.CallsFor("spawn"))

	out = c.Launch(context.Background(), "notepad.EXE notes.txt")
	require.True(t, out.OK, out.Message)
	assert.NotZero(t, out.Pid)
	assert.Len(t, fake.CallsFor("spawn"), 1)
}

func TestLaunchFailures(t *testing.T) {
	fake := systemtest.New()
	c := newController(fake, "linux")

	out := c.Launch(context.Background(), "   ")
	assert.ErrorIs(t, out.Err, ErrLaunch)

	out = c.Launch(context.Background(), `echo "unterminated`)
	assert.ErrorIs(t, out.Err, ErrLaunch)

	fake.SpawnErr = errors.New("fork: resource temporarily unavailable")
	out = c.Launch(context.Background(), "make build")
	assert.False(t, out.OK)
	assert.ErrorIs(t, out.Err, ErrLaunch)
	assert.Contains(t, out.Message, "resource temporarily unavailable")
}

func TestOutcomeJSONOmitsErr(t *testing.T) {
	b, err := json.Marshal(Outcome{OK: false, Message: "denied", Err: ErrProtected})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false,"message":"denied"}`, string(b))
}

func TestSourcesAreGofmted(t *testing.T) {
	files, err := filepath.Glob("*.go")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, name := range files {
		src, err := os.ReadFile(name)
		require.NoError(t, err)
		formatted, err := format.Source(src)
		require.NoError(t, err, name)
		assert.True(t, bytes.Equal(src, formatted), "%s is not gofmt-ed", name)
	}
}
