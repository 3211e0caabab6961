package scripting_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/botfleet/internal/scripting"
)

func TestNewSandboxedState_UnsafeLibsNil(t *testing.T) {
	L := scripting.NewSandboxedState()
	require.NotNil(t, L)
	defer L.Close()
	for _, name := range []string{"os", "io", "debug"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "expected %s to be nil", name)
	}
}

func TestNewSandboxedState_DangerousGlobalsNil(t *testing.T) {
	L := scripting.NewSandboxedState()
	require.NotNil(t, L)
	defer L.Close()
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "module", "getfenv", "setfenv"} {
		assert.Equal(t, lua.LNil, L.GetGlobal(name), "expected %s to be nil", name)
	}
}

func TestSandbox_SafeLibsAvailable(t *testing.T) {
	sb := scripting.NewSandbox(0)
	defer sb.Close()
	err := sb.DoString(`
		local x = math.sqrt(4)
		assert(x == 2.0, "math.sqrt failed")
		local s = string.upper("hello")
		assert(s == "HELLO", "string.upper failed")
	`)
	assert.NoError(t, err)
}

func TestSandbox_InstructionLimitExceeded(t *testing.T) {
	sb := scripting.NewSandbox(10)
	defer sb.Close()
	assert.Error(t, sb.DoString(`while true do end`))
}

func TestSandbox_BudgetResetsPerCall(t *testing.T) {
	sb := scripting.NewSandbox(500)
	defer sb.Close()
	require.NoError(t, sb.DoString(`
		function small()
			local n = 0
			for i = 1, 20 do n = n + i end
			return n
		end
	`))
	// Many calls in total exceed one budget; each call alone does not.
	for i := 0; i < 50; i++ {
		ret, found, err := sb.Call("small")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, lua.LNumber(210), ret)
	}
}

func TestSandbox_UsableAfterLimitHit(t *testing.T) {
	sb := scripting.NewSandbox(1000)
	defer sb.Close()
	require.NoError(t, sb.DoString(`
		function spin() while true do end end
		function ok() return "ok" end
	`))
	_, found, err := sb.Call("spin")
	assert.True(t, found)
	assert.Error(t, err)

	ret, found, err := sb.Call("ok")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, lua.LString("ok"), ret)
}

func TestSandbox_CallMissingGlobal(t *testing.T) {
	sb := scripting.NewSandbox(0)
	defer sb.Close()
	require.NoError(t, sb.DoString(`not_a_function = 5`))

	for _, name := range []string{"absent", "not_a_function"} {
		ret, found, err := sb.Call(name)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, lua.LNil, ret)
	}
}

func TestSandbox_Closed(t *testing.T) {
	sb := scripting.NewSandbox(0)
	sb.Close()
	sb.Close()
	assert.ErrorIs(t, sb.DoString(`local x = 1`), scripting.ErrSandboxClosed)
}

func TestProperty_InstructionLimitAlwaysErrors(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 50).Draw(t, "limit")
		sb := scripting.NewSandbox(limit)
		defer sb.Close()
		if err := sb.DoString(`while true do end`); err == nil {
			t.Fatalf("expected error with limit=%d but got nil", limit)
		}
	})
}
