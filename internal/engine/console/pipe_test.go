package console

import "io"

type pipeWriter struct{ w *io.PipeWriter }

func ioPipe() (*io.PipeReader, pipeWriter) {
	r, w := io.Pipe()
	return r, pipeWriter{w: w}
}

func (p pipeWriter) line(s string) { _, _ = io.WriteString(p.w, s+"\n") }

func (p pipeWriter) close() { _ = p.w.Close() }
