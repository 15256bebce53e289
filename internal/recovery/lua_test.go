package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const decideScript = `
function recover(rec)
  if rec.context.sequence == "critical" then
    return "abort"
  end
  if string.find(rec.message, "busy") then
    log("retrying busy target " .. rec.id)
    return true
  end
  return "not mine"
end
`

func TestLuaStrategyDecisions(t *testing.T) {
	s, err := NewLuaStrategy("decide", decideScript, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	err = s.Recover(ctx, ErrorRecord{ID: "1", Err: errors.New("target busy"), Context: map[string]string{}})
	assert.NoError(t, err)

	err = s.Recover(ctx, ErrorRecord{ID: "2", Err: errors.New("x"), Context: map[string]string{"sequence": "critical"}})
	assert.ErrorIs(t, err, ErrAbort)

	err = s.Recover(ctx, ErrorRecord{ID: "3", Err: errors.New("other")})
	assert.ErrorIs(t, err, ErrNotHandled)
	assert.ErrorContains(t, err, "not mine")
}

func TestLuaStrategyInManager(t *testing.T) {
	s, err := NewLuaStrategy("decide", decideScript, nil)
	require.NoError(t, err)
	defer s.Close()

	m := newManager(t, Options{})
	require.NoError(t, Register[error](m, "lua", 0, s))

	pd, ok := m.HandleException(errors.New("window busy"), nil)
	require.True(t, ok)
	res := waitResult(t, pd)
	assert.Equal(t, OutcomeRecovered, res.Outcome)
	assert.Equal(t, "lua", res.Strategy)
}

func TestLuaStrategyRejectsBadScripts(t *testing.T) {
	_, err := NewLuaStrategy("syntax", "function recover(", nil)
	assert.Error(t, err)

	_, err = NewLuaStrategy("missing", "x = 1", nil)
	assert.ErrorContains(t, err, "recover(record)")

	_, err = NewLuaStrategy("runtime", "error('boom')", nil)
	assert.Error(t, err)
}

func TestLuaStrategySandbox(t *testing.T) {
	s, err := NewLuaStrategy("sandbox", `
function recover(rec)
  if io ~= nil or os ~= nil or dofile ~= nil or load ~= nil then
    return "escaped"
  end
  return true
end
`, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Recover(context.Background(), ErrorRecord{Err: errors.New("x")}))
}

func TestLuaStrategyRuntimeErrorDeclines(t *testing.T) {
	s, err := NewLuaStrategy("broken", `function recover(rec) error("nope") end`, nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.Recover(context.Background(), ErrorRecord{Err: errors.New("x")})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAbort)
}

func TestLoadLuaStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recover.lua")
	require.NoError(t, os.WriteFile(path, []byte(decideScript), 0o644))

	s, err := LoadLuaStrategy("file", path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Error(t, s.Close())
	assert.ErrorIs(t, s.Recover(context.Background(), ErrorRecord{}), ErrClosed)

	_, err = LoadLuaStrategy("missing", filepath.Join(t.TempDir(), "nope.lua"), nil)
	assert.Error(t, err)
}
