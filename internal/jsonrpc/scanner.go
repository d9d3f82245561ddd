package jsonrpc

import (
	"bufio"
	"io"
)

// maxFrameSize bounds a single line the scanner will buffer before giving
// up, guarding against a misbehaving peer streaming an unbounded line
// with no newline. 16MiB comfortably covers any realistic MCP message.
const maxFrameSize = 16 * 1024 * 1024

// FrameScanner reads newline-delimited frames from r, one JSON-RPC message
// per line, exactly like internal/process/manager.go's streamLogs reads
// newline-delimited log lines from a child's stdout/stderr pipe: a
// bufio.Reader loop that tolerates a final unterminated line at EOF
// instead of discarding it.
type FrameScanner struct {
	r *bufio.Reader
}

func NewFrameScanner(r io.Reader) *FrameScanner {
	br := bufio.NewReaderSize(r, 64*1024)
	return &FrameScanner{r: br}
}

// Next returns the next frame's bytes, without the trailing newline. It
// returns io.EOF once the underlying reader is exhausted and no partial
// line remains.
func (s *FrameScanner) Next() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := s.r.ReadLine()
		if len(chunk) > 0 {
			line = append(line, chunk...)
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		if !isPrefix {
			return line, nil
		}
		if len(line) > maxFrameSize {
			return nil, io.ErrShortBuffer
		}
	}
}

// FrameWriter writes frames to w, one per line. It holds no lock of its
// own: each frame, newline included, goes to w in a single Write call.
// mcpmon's stdout is written both by the Forwarder's server->client pump
// and by the Supervisor (tools/list_changed, virtual tool responses), so
// those writes are kept whole only as far as w serializes concurrent
// Write calls.
type FrameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write sends frame followed by a single newline. A short write or a
// write to a closed pipe is returned to the caller rather than panicking,
// matching spec.md §4.2's "writes after exit must fail recoverably".
func (fw *FrameWriter) Write(frame []byte) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := fw.w.Write(buf)
	return err
}
