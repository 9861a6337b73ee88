package invoker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultChainMap(t *testing.T) {
	c := DefaultChainMap()
	require.NoError(t, c.Validate())
	assert.Equal(t, []string{"dcp", "dec", "enc", "out", "vpn"}, c.Topics())

	// Following the chain from vpn ends at the timing sink after four functions.
	topic, functions := "vpn", []string{}
	for {
		step := c[topic]
		if step.IsTimingSink() {
			break
		}
		functions = append(functions, step.Function)
		topic = step.Next
	}
	assert.Equal(t, []string{"comp", "encrypt", "decrypt", "decomp"}, functions)
	assert.Equal(t, "out", topic)
}

func TestStep_IsTimingSink(t *testing.T) {
	assert.True(t, Step{Function: "time"}.IsTimingSink())
	assert.True(t, Step{Function: "TIME"}.IsTimingSink())
	assert.False(t, Step{Function: "timer"}.IsTimingSink())
}

func TestChainMap_Covers(t *testing.T) {
	c := DefaultChainMap()
	assert.NoError(t, c.Covers([]string{"vpn", "out"}))

	err := c.Covers([]string{"zip", "vpn", "abc"})
	assert.ErrorIs(t, err, ErrMissingChainEntry)
	assert.Contains(t, err.Error(), "abc, zip")
}

func TestLoadChainMap(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	good := write("good.yaml", `
chain:
  in:
    function: resize
    next: out
  out:
    function: time
`)
	c, err := LoadChainMap(good)
	require.NoError(t, err)
	assert.Equal(t, ChainMap{
		"in":  {Function: "resize", Next: "out"},
		"out": {Function: "time"},
	}, c)

	_, err = LoadChainMap(write("empty.yaml", "chain: {}\n"))
	assert.Error(t, err)

	_, err = LoadChainMap(write("nofunc.yaml", "chain:\n  in: {next: out}\n"))
	assert.Error(t, err)

	_, err = LoadChainMap(write("bad.yaml", "chain: [\n"))
	assert.Error(t, err)

	_, err = LoadChainMap(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
