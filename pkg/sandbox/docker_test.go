package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvList_Sorted(t *testing.T) {
	got := envList(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{"A=1", "B=2"}, got)
	assert.Empty(t, envList(nil))
}

func TestBindList(t *testing.T) {
	got := bindList([]Mount{
		{Source: "/tmp/ws", Target: "/workspace"},
		{Source: "/srv/plugins/a", Target: "/plugin", ReadOnly: true},
	})
	assert.Equal(t, []string{"/tmp/ws:/workspace", "/srv/plugins/a:/plugin:ro"}, got)
}
