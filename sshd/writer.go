package sshd

import (
	"fmt"
	"io"
)

// StringWriter is handed to every command callback to talk back to the client.
type StringWriter interface {
	WriteLine(string) error
	Write(string) error
	WriteBytes([]byte) error
	Printf(format string, a ...any) error
	GetWriter() io.Writer
}

// stringWriter remembers the first write error, later writes are dropped so a
// callback printing many lines can stop caring after the client goes away.
type stringWriter struct {
	w   io.Writer
	err error
}

func newStringWriter(w io.Writer) *stringWriter {
	return &stringWriter{w: w}
}

func (w *stringWriter) WriteLine(s string) error {
	return w.Write(s + "\n")
}

func (w *stringWriter) Write(s string) error {
	return w.WriteBytes([]byte(s))
}

func (w *stringWriter) Printf(format string, a ...any) error {
	return w.Write(fmt.Sprintf(format, a...))
}

func (w *stringWriter) WriteBytes(b []byte) error {
	if w.err != nil {
		return w.err
	}
	_, w.err = w.w.Write(b)
	return w.err
}

func (w *stringWriter) GetWriter() io.Writer {
	return w.w
}
