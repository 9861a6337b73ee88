package logger

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// LogBufferWriter is an io.Writer that feeds zap console lines into a LogBuffer.
// Lines have the form "time<TAB>LEVEL<TAB>root.name<TAB>message[<TAB>fields]";
// the logger name below the root becomes the entry's node ID.
type LogBufferWriter struct {
	buffer *LogBuffer
	buf    bytes.Buffer
	mu     sync.Mutex
}

// NewLogBufferWriter creates a new writer that writes to the log buffer
func NewLogBufferWriter(buffer *LogBuffer) *LogBufferWriter {
	return &LogBufferWriter{
		buffer: buffer,
	}
}

// Write implements io.Writer
func (lw *LogBufferWriter) Write(p []byte) (n int, err error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	// Buffer until we get a newline
	lw.buf.Write(p)

	for {
		line, err := lw.buf.ReadString('\n')
		if err == io.EOF {
			// Keep the partial line for the next Write.
			lw.buf.WriteString(line)
			break
		}
		if err != nil {
			return len(p), err
		}

		line = strings.TrimSuffix(line, "\n")
		if len(line) == 0 {
			continue
		}
		lw.buffer.Add(parseLine(line))
	}

	return len(p), nil
}

func parseLine(line string) LogEntry {
	parts := strings.SplitN(line, "\t", 4)
	if len(parts) < 4 {
		return LogEntry{NodeID: "system", Message: line}
	}

	name := parts[2]
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return LogEntry{
		NodeID:  name,
		Level:   parts[1],
		Message: strings.ReplaceAll(parts[3], "\t", " "),
	}
}
