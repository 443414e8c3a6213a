package logging

import (
	"fmt"

	"github.com/Graylog2/go-gelf/gelf"
)

// NewGraylogWriter opens a GELF UDP writer to addr, for use as an extra
// writer in Setup.
func NewGraylogWriter(addr string) (*gelf.Writer, error) {
	w, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to graylog at %s: %w", addr, err)
	}
	w.Facility = ServiceName
	return w, nil
}
