package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout swaps the package writer for the duration of a test
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	old := stdout
	stdout = buf
	t.Cleanup(func() { stdout = old })
	return buf
}

func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand()

	assert.Equal(t, "plugd-build", root.Name)
	assert.NotNil(t, root.Flags)
	for _, name := range []string{"build", "validate"} {
		require.Contains(t, root.Subcommands, name)
		assert.NotNil(t, root.Subcommands[name].Run)
		assert.NotNil(t, root.Subcommands[name].Flags)
	}
	assert.Len(t, root.Subcommands, 2)
}

func TestCommandUsage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}, {"help"}} {
		out := captureStdout(t)
		err := NewRootCommand().ExecuteArgs(args)
		require.NoError(t, err)

		text := out.String()
		assert.Contains(t, text, "Usage: plugd-build <command> [args]")
		assert.Less(t, bytes.Index(out.Bytes(), []byte("  build")), bytes.Index(out.Bytes(), []byte("  validate")))
	}
}

func TestUnknownCommand(t *testing.T) {
	err := NewRootCommand().ExecuteArgs([]string{"publish"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command: publish")
}

func TestSubcommandDispatch(t *testing.T) {
	var got []string
	root := NewRootCommand()
	root.Subcommands["echo"] = &Command{
		Name: "echo",
		Run: func(args []string) error {
			got = args
			return nil
		},
	}

	require.NoError(t, root.ExecuteArgs([]string{"echo", "-x", "y"}))
	assert.Equal(t, []string{"-x", "y"}, got)
}
