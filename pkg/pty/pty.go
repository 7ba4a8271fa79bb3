// Package pty allocates a pseudo-terminal pair for a spawned child whose
// EXEC request set the TTY flag (spec.md §3, SPEC_FULL.md §4.6 step 6).
package pty

import (
	"os"

	"github.com/creack/pty"
)

// Pair is one allocated pseudo-terminal. Master stays with the parent
// daemon; Slave is handed to the child as its stdin/stdout/stderr and
// closed in the parent once the child has started.
type Pair struct {
	Master, Slave *os.File
}

// Open allocates a new pty/tty pair with the controlling terminal's
// default size; the client resizes it later over the control connection
// if SPEC_FULL.md's resize operation is exercised.
func Open() (*Pair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &Pair{Master: master, Slave: slave}, nil
}

// Close releases both ends.
func (p *Pair) Close() error {
	err := p.Master.Close()
	if slaveErr := p.Slave.Close(); err == nil {
		err = slaveErr
	}
	return err
}
