package pagestore

import (
	"fmt"
	"io"

	"github.com/featurebasedb/pagestore/logger"
)

// CmdIO holds the standard streams of a command.
type CmdIO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	logger logger.Logger
}

// NewCmdIO returns a CmdIO over the given streams which logs to stderr.
func NewCmdIO(stdin io.Reader, stdout, stderr io.Writer) *CmdIO {
	return &CmdIO{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		logger: logger.NewStandardLogger(stderr),
	}
}

func (c *CmdIO) Logger() logger.Logger {
	return c.logger
}

// SetVerbose switches the command's logger to include debug output.
func (c *CmdIO) SetVerbose(v bool) {
	if v {
		c.logger = logger.NewVerboseLogger(c.Stderr)
	} else {
		c.logger = logger.NewStandardLogger(c.Stderr)
	}
}

// Printf writes command output to stdout.
func (c *CmdIO) Printf(format string, v ...interface{}) {
	fmt.Fprintf(c.Stdout, format, v...)
}
