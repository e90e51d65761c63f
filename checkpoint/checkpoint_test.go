package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
}

func readJSON(t *testing.T, path string, dst any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, dst))
}

func TestNewInitializesArtifacts(t *testing.T) {
	root := t.TempDir()
	c, err := New(root, WithClock(fixedClock))
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, filepath.Join(root, "checkpoint_2024-03-05_14:07:09"), c.Dir())

	var info map[string]any
	readJSON(t, c.Path(InfoFile), &info)
	require.Equal(t, "2024-03-05 14:07:09", info["create_datetime"])
	for _, key := range []string{"system", "node", "release", "version", "machine"} {
		require.Contains(t, info, key)
	}

	var cfg map[string]any
	readJSON(t, c.Path(ConfigFile), &cfg)
	require.Empty(t, cfg)

	for _, name := range []string{MessagesFile, RawMessagesFile} {
		var list []any
		readJSON(t, c.Path(name), &list)
		require.NotNil(t, list)
		require.Empty(t, list)
	}

	data, err := os.ReadFile(c.Path(LogFile))
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestNewExistingDirectory(t *testing.T) {
	root := t.TempDir()
	c, err := New(root, WithName("run"))
	require.NoError(t, err)
	require.NoError(t, c.PunchMessage(map[string]any{"role": "user"}))
	require.NoError(t, c.Close())

	_, err = New(root, WithName("run"))
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.True(t, errors.Is(err, ErrExists))

	c, err = New(root, WithName("run"), WithForceReinit(true))
	require.NoError(t, err)
	defer c.Close()

	var list []any
	readJSON(t, c.Path(MessagesFile), &list)
	require.Empty(t, list)
}

func TestPunchMergeAndAppend(t *testing.T) {
	c, err := New(t.TempDir(), WithName("ck"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.PunchConfig(map[string]any{"model": "a", "temperature": 0.2}))
	require.NoError(t, c.PunchConfig(map[string]any{"model": "b"}))

	var cfg map[string]any
	readJSON(t, c.Path(ConfigFile), &cfg)
	require.Equal(t, map[string]any{"model": "b", "temperature": 0.2}, cfg)

	require.NoError(t, c.PunchInfo(struct {
		Workspace string `json:"workspace"`
	}{"/tmp/ws"}))
	var info map[string]any
	readJSON(t, c.Path(InfoFile), &info)
	require.Equal(t, "/tmp/ws", info["workspace"])
	require.Contains(t, info, "create_datetime")

	require.NoError(t, c.PunchMessage(map[string]any{"role": "system", "content": "a"}))
	require.NoError(t, c.PunchMessage(map[string]any{"role": "user", "content": "<b> & c"}))
	require.NoError(t, c.PunchRawMessage(map[string]any{"text": "raw"}))

	var msgs []map[string]any
	readJSON(t, c.Path(MessagesFile), &msgs)
	require.Len(t, msgs, 2)
	require.Equal(t, "<b> & c", msgs[1]["content"])

	data, err := os.ReadFile(c.Path(MessagesFile))
	require.NoError(t, err)
	require.Contains(t, string(data), "<b> & c", "HTML characters are written unescaped")
	require.Contains(t, string(data), "\n        \"role\"", "four-space indentation")

	var raws []map[string]any
	readJSON(t, c.Path(RawMessagesFile), &raws)
	require.Len(t, raws, 1)
}

func TestPunchInfoRejectsNonObject(t *testing.T) {
	c, err := New(t.TempDir(), WithName("ck"))
	require.NoError(t, err)
	defer c.Close()

	err = c.PunchInfo([]int{1, 2})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "punch", cerr.Op)
}

func TestPunchUnknownCategory(t *testing.T) {
	c, err := New(t.TempDir(), WithName("ck"))
	require.NoError(t, err)
	defer c.Close()

	var cerr *Error
	require.ErrorAs(t, c.Punch(Category("bogus"), nil), &cerr)
}

func TestLogsAppend(t *testing.T) {
	c, err := New(t.TempDir(), WithName("ck"))
	require.NoError(t, err)

	require.NoError(t, c.PunchLog("first\n"))
	require.NoError(t, c.Punch(CategoryLogs, []byte("second\n")))

	logger := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(c),
		zapcore.InfoLevel,
	))
	logger.Info("from zap")
	require.NoError(t, c.Close())

	data, err := os.ReadFile(c.Path(LogFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "first", lines[0])
	require.Equal(t, "second", lines[1])
	require.Contains(t, lines[2], "from zap")

	_, err = c.Write([]byte("late"))
	require.Error(t, err)
}

func TestLoadMessagesRoundTrip(t *testing.T) {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	c, err := New(t.TempDir(), WithName("ck"))
	require.NoError(t, err)
	defer c.Close()

	want := []msg{{"system", "prompt"}, {"user", "hi"}, {"assistant", ""}}
	for _, m := range want {
		require.NoError(t, c.PunchMessage(m))
	}

	var got []msg
	require.NoError(t, LoadMessages(c.Dir(), &got))
	require.Equal(t, want, got)

	var cerr *Error
	require.ErrorAs(t, LoadMessages(filepath.Join(c.Dir(), "missing"), &got), &cerr)
}

func TestFailuresAreTyped(t *testing.T) {
	c, err := New(t.TempDir(), WithName("ck"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, os.RemoveAll(c.Dir()))

	err = c.PunchMessage(map[string]any{"role": "user"})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, c.Path(MessagesFile), cerr.Path)
}
