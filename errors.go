package rtframe

import (
	"errors"
	"fmt"

	"github.com/gekko3d/rtframe/rt/core"
	"github.com/gekko3d/rtframe/rt/shaders"
)

// ErrorReporter shows an error the user has to acknowledge before the
// failing call aborts.
type ErrorReporter interface {
	Report(title string, err error)
}

// LogReporter reports through a logger.
type LogReporter struct {
	Logger core.Logger
}

func (r LogReporter) Report(title string, err error) {
	core.OrNop(r.Logger).Errorf("%s: %v", title, err)
}

// reportTitle names the kind of failure for the reporter.
func reportTitle(err error) string {
	var ce *shaders.CompileError
	if errors.As(err, &ce) {
		return fmt.Sprintf("Shader compile error (%s)", ce.Entry)
	}
	return "Error"
}
