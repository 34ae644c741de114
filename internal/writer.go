package internal

import (
	"fmt"
	"io"
)

// Writer reports to the person running agentrelay. Normal output (version
// information) goes to out; warnings and errors go to err so they never mix
// with agent traffic.
type Writer interface {
	// Println writes a line to the output stream.
	Println(v ...interface{})

	// Warningf writes a formatted warning to the error stream.
	Warningf(format string, v ...interface{})

	// Errorf writes a formatted error to the error stream.
	Errorf(format string, v ...interface{})
}

// StandardWriter implements Writer on a pair of streams.
type StandardWriter struct {
	out io.Writer
	err io.Writer
}

// NewCustomWriter creates a Writer with custom output streams.
func NewCustomWriter(out, err io.Writer) *StandardWriter {
	return &StandardWriter{
		out: out,
		err: err,
	}
}

func (w *StandardWriter) Println(v ...interface{}) {
	fmt.Fprintln(w.out, v...)
}

// Warningf prefixes the message with "agentrelay: warning: ".
func (w *StandardWriter) Warningf(format string, v ...interface{}) {
	fmt.Fprintf(w.err, "agentrelay: warning: "+format+"\n", v...)
}

// Errorf prefixes the message with "agentrelay: ".
func (w *StandardWriter) Errorf(format string, v ...interface{}) {
	fmt.Fprintf(w.err, "agentrelay: "+format+"\n", v...)
}
