// Package invoker runs chained WebAssembly guest functions on a worker node.
//
// Guest buffer ABI: for a call name(in, len, out) -> n the host grows the
// exported "memory" by one page, writes the input at in = size/8 (size
// measured before growing) and passes out = in + len. The guest writes its
// result at out and returns the number of bytes written, or a negative value
// on failure. The host reads exactly n bytes at out, bounds-checked against
// the current memory size.
package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// DefaultModulePath is the guest module loaded when none is configured.
const DefaultModulePath = "final.wasm"

// guestMemory is the export name of the guest's linear memory.
const guestMemory = "memory"

var (
	// ErrNotLoaded is returned by Exec when no module is loaded.
	ErrNotLoaded = errors.New("module not loaded")
	// ErrLoad wraps every failure to read, compile or instantiate a module.
	ErrLoad = errors.New("module load failed")
)

// GuestError reports a failed guest call: a trap, a negative return code, a
// missing export or an output range outside guest memory.
type GuestError struct {
	Function string
	Code     int32
	Reason   string
	Err      error
}

func (e *GuestError) Error() string {
	msg := fmt.Sprintf("guest %s: %s", e.Function, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GuestError) Unwrap() error { return e.Err }

// Module holds at most one compiled and instantiated guest module. It is not
// safe for concurrent use; the executor goroutine owns it.
type Module struct {
	rt    wazero.Runtime
	cache wazero.CompilationCache
	log   *zap.Logger

	path     string
	compiled wazero.CompiledModule
	inst     api.Module
}

// NewModule creates an unloaded module backed by a runtime whose compilation
// cache lives in cacheDir. An empty cacheDir keeps the cache in memory.
func NewModule(ctx context.Context, cacheDir string, log *zap.Logger) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var (
		cache wazero.CompilationCache
		err   error
	)
	if cacheDir == "" {
		cache = wazero.NewCompilationCache()
	} else if cache, err = wazero.NewCompilationCacheWithDir(cacheDir); err != nil {
		return nil, fmt.Errorf("compilation cache %s: %w", cacheDir, err)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(cache))
	return &Module{rt: rt, cache: cache, log: log}, nil
}

// Loaded reports whether a module is instantiated.
func (m *Module) Loaded() bool { return m.inst != nil }

// Path returns the path of the loaded module, or "".
func (m *Module) Path() string { return m.path }

// Load replaces the current module with the one at path, instantiated with an
// empty import set.
func (m *Module) Load(ctx context.Context, path string) error {
	m.Unload(ctx)

	bin, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	compiled, err := m.rt.CompileModule(ctx, bin)
	if err != nil {
		return fmt.Errorf("%w: compile %s: %v", ErrLoad, path, err)
	}

	inst, err := m.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		_ = compiled.Close(ctx)
		return fmt.Errorf("%w: instantiate %s: %v", ErrLoad, path, err)
	}

	m.path = path
	m.compiled = compiled
	m.inst = inst
	m.log.Debug("module loaded", zap.String("path", path))
	return nil
}

// Unload drops the instance, then the compiled module. It is a no-op when
// nothing is loaded.
func (m *Module) Unload(ctx context.Context) {
	if m.inst != nil {
		_ = m.inst.Close(ctx)
		m.inst = nil
	}
	if m.compiled != nil {
		_ = m.compiled.Close(ctx)
		m.compiled = nil
		m.log.Debug("module unloaded", zap.String("path", m.path))
	}
	m.path = ""
}

// Exec calls the exported function name with data using the guest buffer ABI
// and returns a copy of the output.
func (m *Module) Exec(ctx context.Context, name string, data []byte) ([]byte, error) {
	if m.inst == nil {
		return nil, ErrNotLoaded
	}

	fn := m.inst.ExportedFunction(name)
	if fn == nil {
		return nil, &GuestError{Function: name, Reason: "function not exported"}
	}
	mem := m.inst.ExportedMemory(guestMemory)
	if mem == nil {
		return nil, &GuestError{Function: name, Reason: "memory not exported"}
	}

	dataOffset := mem.Size() / 8
	if _, ok := mem.Grow(1); !ok {
		return nil, &GuestError{Function: name, Reason: "cannot grow memory"}
	}
	if !mem.Write(dataOffset, data) {
		return nil, &GuestError{Function: name, Reason: fmt.Sprintf("input of %d bytes does not fit at %d", len(data), dataOffset)}
	}
	outOffset := dataOffset + uint32(len(data))

	res, err := fn.Call(ctx,
		api.EncodeI32(int32(dataOffset)),
		api.EncodeI32(int32(len(data))),
		api.EncodeI32(int32(outOffset)))
	if err != nil {
		return nil, &GuestError{Function: name, Reason: "call failed", Err: err}
	}
	if len(res) != 1 {
		return nil, &GuestError{Function: name, Reason: fmt.Sprintf("expected 1 result, got %d", len(res))}
	}

	n := api.DecodeI32(res[0])
	if n < 0 {
		return nil, &GuestError{Function: name, Code: n, Reason: fmt.Sprintf("returned %d", n)}
	}
	out, ok := mem.Read(outOffset, uint32(n))
	if !ok {
		return nil, &GuestError{Function: name, Code: n,
			Reason: fmt.Sprintf("output [%d, %d) exceeds memory of %d bytes", outOffset, uint64(outOffset)+uint64(n), mem.Size())}
	}
	return bytes.Clone(out), nil
}

// Close unloads the module and releases the runtime and its cache.
func (m *Module) Close(ctx context.Context) error {
	m.Unload(ctx)
	err := m.rt.Close(ctx)
	if cerr := m.cache.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
