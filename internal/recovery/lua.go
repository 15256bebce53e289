package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// LuaFunction is the global a recovery script must define. It receives a
// table {id, type, message, context} and returns true to report recovery,
// "abort" to stop the operation, or anything else to decline.
const LuaFunction = "recover"

// LuaStrategy delegates the recovery decision to a Lua script.
type LuaStrategy struct {
	name   string
	logger *slog.Logger

	mu sync.Mutex
	L  *lua.LState
}

// NewLuaStrategy loads source into a sandboxed state. name labels the
// chunk in Lua error messages.
func NewLuaStrategy(name, source string, logger *slog.Logger) (*LuaStrategy, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)

	s := &LuaStrategy{name: name, logger: logger.With("strategy", name), L: L}
	L.SetGlobal("log", L.NewFunction(s.luaLog))

	fn, err := L.LoadString(source)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("load recovery script %s: %w", name, err)
	}
	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("run recovery script %s: %w", name, err)
	}
	if L.GetGlobal(LuaFunction).Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("recovery script %s does not define %s(record)", name, LuaFunction)
	}
	return s, nil
}

// LoadLuaStrategy reads a script from path.
func LoadLuaStrategy(name, path string, logger *slog.Logger) (*LuaStrategy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recovery script: %w", err)
	}
	return NewLuaStrategy(name, string(src), logger)
}

// openSafeLibraries opens the libraries a decision script needs and
// nothing that touches the host.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// Recover calls the script's recover function.
func (s *LuaStrategy) Recover(ctx context.Context, rec ErrorRecord) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.L == nil {
		return ErrClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	L := s.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	record := L.NewTable()
	record.RawSetString("id", lua.LString(rec.ID))
	record.RawSetString("type", lua.LString(rec.Type))
	if rec.Err != nil {
		record.RawSetString("message", lua.LString(rec.Err.Error()))
	}
	fields := L.NewTable()
	for k, v := range rec.Context {
		fields.RawSetString(k, lua.LString(v))
	}
	record.RawSetString("context", fields)

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(LuaFunction),
		NRet:    1,
		Protect: true,
	}, record); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case lua.LBool:
		if v {
			return nil
		}
	case lua.LString:
		if v == "abort" {
			return fmt.Errorf("%w by %s", ErrAbort, s.name)
		}
		return fmt.Errorf("%w: %s", ErrNotHandled, string(v))
	}
	return ErrNotHandled
}

func (s *LuaStrategy) luaLog(L *lua.LState) int {
	s.logger.Info(L.CheckString(1))
	return 0
}

// Close releases the Lua state.
func (s *LuaStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.L == nil {
		return errors.New("lua strategy already closed")
	}
	s.L.Close()
	s.L = nil
	return nil
}
