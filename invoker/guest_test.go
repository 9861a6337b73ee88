package invoker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Test guests share the signature (in, len, out i32) -> i32 and export a
// one-page "memory".
type guestFunc struct {
	name string
	body []byte // locals declaration, instructions, end
}

var (
	// memory.copy(out, in, len); return len
	echoBody = []byte{0x00, 0x20, 0x02, 0x20, 0x00, 0x20, 0x01, 0xfc, 0x0a, 0x00, 0x00, 0x20, 0x01, 0x0b}
	// return -1
	failBody = []byte{0x00, 0x41, 0x7f, 0x0b}
	// store in at out, out at out+4; return 8
	offsetsBody = []byte{
		0x00,
		0x20, 0x02, 0x20, 0x00, 0x36, 0x02, 0x00,
		0x20, 0x02, 0x20, 0x02, 0x36, 0x02, 0x04,
		0x41, 0x08,
		0x0b,
	}
	// return 0x7fffffff
	overflowBody = []byte{0x00, 0x41, 0xff, 0xff, 0xff, 0xff, 0x07, 0x0b}
	// unreachable
	trapBody = []byte{0x00, 0x00, 0x0b}
)

func uleb(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wasmName(s string) []byte {
	return append(uleb(len(s)), s...)
}

func wasmSection(id byte, content []byte) []byte {
	out := append([]byte{id}, uleb(len(content))...)
	return append(out, content...)
}

func buildGuestModule(funcs ...guestFunc) []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// type 0: (i32, i32, i32) -> i32
	mod = append(mod, wasmSection(0x01, []byte{0x01, 0x60, 0x03, 0x7f, 0x7f, 0x7f, 0x01, 0x7f})...)

	fsec := uleb(len(funcs))
	for range funcs {
		fsec = append(fsec, 0x00)
	}
	mod = append(mod, wasmSection(0x03, fsec)...)

	// one memory, min 1 page
	mod = append(mod, wasmSection(0x05, []byte{0x01, 0x00, 0x01})...)

	exports := uleb(len(funcs) + 1)
	exports = append(exports, wasmName("memory")...)
	exports = append(exports, 0x02, 0x00)
	for i, f := range funcs {
		exports = append(exports, wasmName(f.name)...)
		exports = append(exports, 0x00)
		exports = append(exports, uleb(i)...)
	}
	mod = append(mod, wasmSection(0x07, exports)...)

	code := uleb(len(funcs))
	for _, f := range funcs {
		code = append(code, uleb(len(f.body))...)
		code = append(code, f.body...)
	}
	return append(mod, wasmSection(0x0a, code)...)
}

// writeGuest writes the standard test guest to a temp file. "comp" echoes so
// chains built on the default map carry their payload through.
func writeGuest(t *testing.T) string {
	t.Helper()
	bin := buildGuestModule(
		guestFunc{"echo", echoBody},
		guestFunc{"fail", failBody},
		guestFunc{"offsets", offsetsBody},
		guestFunc{"overflow", overflowBody},
		guestFunc{"trap", trapBody},
		guestFunc{"comp", echoBody},
	)
	path := filepath.Join(t.TempDir(), "final.wasm")
	require.NoError(t, os.WriteFile(path, bin, 0o644))
	return path
}
