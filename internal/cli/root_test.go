package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/eventpipe/pkg/consent"
	"github.com/unijord/eventpipe/pkg/envelope"
	"github.com/unijord/eventpipe/pkg/unitfs"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()

	names := make([]string, 0)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"run", "inspect", "consent", "flush"}, names)

	for _, flag := range []string{"config", "dir", "feature", "verbose", "format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := execute(t, "--dir", t.TempDir(), "--format", "xml", "inspect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestInspect_Empty(t *testing.T) {
	out, err := execute(t, "--dir", t.TempDir(), "inspect")
	require.NoError(t, err)
	assert.Equal(t, "no units\n", out)
}

func writeUnit(t *testing.T, dir string, id unitfs.UnitID, events ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	u, err := unitfs.CreateUnit(dir, unitfs.DefaultExt, id, time.Unix(1700000000, 0), unitfs.WithUnitSize(64*1024))
	require.NoError(t, err)
	codec := envelope.NewCodec()
	for _, ev := range events {
		require.NoError(t, u.Write(codec.Encode([]byte(ev), nil, time.Unix(1700000000, 0)), time.Unix(1700000000, 0)))
	}
	_, err = u.Seal(time.Unix(1700000001, 0))
	require.NoError(t, err)
	require.NoError(t, u.Close())
}

func TestInspect_ListsUnitsPerArea(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "app")
	writeUnit(t, consent.AreaDir(root, consent.Granted), 2, `{"a":1}`, `{"a":2}`)
	writeUnit(t, consent.AreaDir(root, consent.Granted), 1, `{"a":0}`)
	writeUnit(t, consent.AreaDir(root, consent.Pending), 3, `{"p":1}`)

	out, err := execute(t, "--dir", dir, "--feature", "app", "--format", "json", "inspect", "--events")
	require.NoError(t, err)

	var reports []UnitReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 3)

	assert.Equal(t, "pending", reports[0].Area)
	assert.Equal(t, uint64(3), reports[0].ID)

	assert.Equal(t, "granted", reports[1].Area)
	assert.Equal(t, uint64(1), reports[1].ID)
	assert.Equal(t, uint64(2), reports[2].ID)
	assert.Equal(t, "sealed", reports[2].State)
	assert.Equal(t, int64(2), reports[2].EntryCount)
	require.Len(t, reports[2].Events, 2)
	assert.Equal(t, `{"a":1}`, reports[2].Events[0].Data)
	assert.Empty(t, reports[2].Error)
}

func TestInspect_AreaFilter(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "app")
	writeUnit(t, consent.AreaDir(root, consent.Granted), 1, "g")
	writeUnit(t, consent.AreaDir(root, consent.Denied), 2, "d")

	out, err := execute(t, "--dir", dir, "--feature", "app", "--format", "json", "inspect", "--area", "denied")
	require.NoError(t, err)

	var reports []UnitReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "denied", reports[0].Area)
}

func TestInspect_CorruptUnit(t *testing.T) {
	dir := t.TempDir()
	areaDir := consent.AreaDir(filepath.Join(dir, "app"), consent.Granted)
	require.NoError(t, os.MkdirAll(areaDir, 0o755))
	require.NoError(t, os.WriteFile(unitfs.UnitFileName(areaDir, unitfs.DefaultExt, 7), []byte("garbage"), 0o644))

	out, err := execute(t, "--dir", dir, "--feature", "app", "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "granted")
	assert.Contains(t, out, "corrupt")
}

func TestConsent_MigratesPendingUnits(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "app")
	writeUnit(t, consent.AreaDir(root, consent.Pending), 1, "x")

	out, err := execute(t, "--dir", dir, "--feature", "app", "consent", "granted")
	require.NoError(t, err)
	assert.Contains(t, out, "consent set to granted")

	matches, err := filepath.Glob(filepath.Join(consent.AreaDir(root, consent.Granted), "*"+unitfs.DefaultExt))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = filepath.Glob(filepath.Join(consent.AreaDir(root, consent.Pending), "*"+unitfs.DefaultExt))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestConsent_InvalidValue(t *testing.T) {
	_, err := execute(t, "--dir", t.TempDir(), "consent", "maybe")
	require.ErrorIs(t, err, consent.ErrInvalidValue)
}

func TestConsent_RequiresOneArg(t *testing.T) {
	_, err := execute(t, "--dir", t.TempDir(), "consent")
	require.Error(t, err)
}
