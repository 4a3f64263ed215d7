package runner

import (
	"fmt"
	"strings"
)

// output collects printed lines up to a byte ceiling. Lines past the
// ceiling are dropped and the result carries a truncation marker.
type output struct {
	buf       strings.Builder
	max       int
	truncated bool
}

func newOutput(max int) *output {
	return &output{max: max}
}

func (o *output) writeLine(s string) {
	if o.truncated {
		return
	}
	line := s + "\n"
	if o.max > 0 && o.buf.Len()+len(line) > o.max {
		o.buf.WriteString(truncate(line, o.max-o.buf.Len()))
		o.truncated = true
		return
	}
	o.buf.WriteString(line)
}

func (o *output) result() (string, bool) {
	if !o.truncated {
		return o.buf.String(), false
	}
	return o.buf.String() + fmt.Sprintf("\n... [output truncated, exceeds %d bytes]", o.max), true
}
