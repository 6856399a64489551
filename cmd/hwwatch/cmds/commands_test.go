package cmds

import (
	"bytes"
	"io"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/hwwatch/service/debugger"
)

func newRoot(t *testing.T, args ...string) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	root := New()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	return root, out
}

func TestSubcommands(t *testing.T) {
	root, _ := newRoot(t)
	for _, name := range []string{"exec", "attach", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
		if name != "version" {
			for _, flag := range []string{"watch", "nan", "break", "script-break", "halt", "persist", "stack"} {
				assert.NotNil(t, cmd.Flags().Lookup(flag), "%s --%s", name, flag)
			}
		}
	}
	for _, flag := range []string{"log", "log-output", "log-dest"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestMissingArguments(t *testing.T) {
	root, _ := newRoot(t, "attach")
	assert.EqualError(t, root.Execute(), "you must provide a PID")

	root, _ = newRoot(t, "exec")
	assert.EqualError(t, root.Execute(), "you must provide a path to a binary")
}

func TestVersion(t *testing.T) {
	root, out := newRoot(t, "version")
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "hwwatch\nVersion: ")
}

func TestWatchFlag(t *testing.T) {
	root, _ := newRoot(t)
	cmd, _, err := root.Find([]string{"exec"})
	require.NoError(t, err)

	require.NoError(t, cmd.Flags().Parse([]string{
		"--watch", "main.health",
		"--watch", "0x1100:4 if new < 0",
	}))
	assert.Equal(t, watchFlag{
		{Path: "main.health"},
		{Path: "0x1100:4", Cond: "new < 0"},
	}, watches)
	assert.Equal(t, "[main.health, 0x1100:4 if new < 0]", watches.String())
	assert.Equal(t, "watch", watches.Type())

	var w watchFlag
	assert.Error(t, w.Set("main.health if "))
	assert.Empty(t, w)
	require.NoError(t, w.Set("main.score"))
	assert.Equal(t, []debugger.Watch{{Path: "main.score"}}, []debugger.Watch(w))
}

func TestParseAddresses(t *testing.T) {
	addrs, err := parseAddresses([]string{"0x2000", " 4096 ", "0o20"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x2000, 4096, 16}, addrs)

	_, err = parseAddresses([]string{"main.f"})
	assert.Error(t, err)
	_, err = parseAddresses([]string{"0"})
	assert.Error(t, err)

	addrs, err = parseAddresses(nil)
	require.NoError(t, err)
	assert.Empty(t, addrs)
}
