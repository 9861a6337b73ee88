package invoker

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestModule(t *testing.T, cacheDir string) *Module {
	t.Helper()
	ctx := context.Background()
	m, err := NewModule(ctx, cacheDir, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(ctx) })
	return m
}

func TestModule_ExecBeforeLoad(t *testing.T) {
	m := newTestModule(t, "")
	_, err := m.Exec(context.Background(), "echo", []byte("x"))
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.False(t, m.Loaded())
}

func TestModule_LoadErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestModule(t, "")

	err := m.Load(ctx, filepath.Join(t.TempDir(), "missing.wasm"))
	assert.ErrorIs(t, err, ErrLoad)

	junk := filepath.Join(t.TempDir(), "junk.wasm")
	require.NoError(t, os.WriteFile(junk, []byte("not wasm"), 0o644))
	err = m.Load(ctx, junk)
	assert.ErrorIs(t, err, ErrLoad)
	assert.False(t, m.Loaded())
}

func TestModule_BufferProtocolOffsets(t *testing.T) {
	ctx := context.Background()
	m := newTestModule(t, t.TempDir())
	require.NoError(t, m.Load(ctx, writeGuest(t)))
	assert.True(t, m.Loaded())

	out, err := m.Exec(ctx, "offsets", []byte("abc"))
	require.NoError(t, err)
	require.Len(t, out, 8)

	in := binary.LittleEndian.Uint32(out[0:4])
	outOffset := binary.LittleEndian.Uint32(out[4:8])
	assert.Equal(t, uint32(65536/8), in, "input at an eighth of the pre-grow memory")
	assert.Equal(t, in+3, outOffset, "output directly after the input")

	// The memory grew by one page, so the next call starts further in.
	out, err = m.Exec(ctx, "offsets", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2*65536/8), binary.LittleEndian.Uint32(out[0:4]))
}

func TestModule_Echo(t *testing.T) {
	ctx := context.Background()
	m := newTestModule(t, "")
	require.NoError(t, m.Load(ctx, writeGuest(t)))

	in := []byte("hello guest")
	out, err := m.Exec(ctx, "echo", in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// The result is a copy, not a view into guest memory.
	out[0] = 'H'
	again, err := m.Exec(ctx, "echo", in)
	require.NoError(t, err)
	assert.Equal(t, in, again)

	empty, err := m.Exec(ctx, "echo", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestModule_GuestErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestModule(t, "")
	require.NoError(t, m.Load(ctx, writeGuest(t)))

	tests := []struct {
		name     string
		function string
		check    func(t *testing.T, ge *GuestError)
	}{
		{"negative return", "fail", func(t *testing.T, ge *GuestError) {
			assert.Equal(t, int32(-1), ge.Code)
		}},
		{"declared output beyond memory", "overflow", func(t *testing.T, ge *GuestError) {
			assert.Equal(t, int32(0x7fffffff), ge.Code)
		}},
		{"missing export", "nope", func(t *testing.T, ge *GuestError) {
			assert.Contains(t, ge.Reason, "not exported")
		}},
		{"trap", "trap", func(t *testing.T, ge *GuestError) {
			assert.Error(t, ge.Err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := m.Exec(ctx, tt.function, []byte("abc"))
			assert.Nil(t, out)
			var ge *GuestError
			require.True(t, errors.As(err, &ge), "got %v", err)
			assert.Equal(t, tt.function, ge.Function)
			tt.check(t, ge)
		})
	}
}

func TestModule_UnloadAndReload(t *testing.T) {
	ctx := context.Background()
	m := newTestModule(t, "")
	path := writeGuest(t)

	require.NoError(t, m.Load(ctx, path))
	assert.Equal(t, path, m.Path())

	m.Unload(ctx)
	m.Unload(ctx)
	assert.False(t, m.Loaded())
	assert.Empty(t, m.Path())

	_, err := m.Exec(ctx, "echo", []byte("x"))
	assert.ErrorIs(t, err, ErrNotLoaded)

	// Reloading replaces the instance, so memory starts over at one page.
	require.NoError(t, m.Load(ctx, path))
	require.NoError(t, m.Load(ctx, path))
	out, err := m.Exec(ctx, "offsets", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, uint32(65536/8), binary.LittleEndian.Uint32(out[0:4]))
}
