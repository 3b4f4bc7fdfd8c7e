package apmhttp

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fllarpy/reqorder/internal/application/faults"
)

const maxStackDepth = 64

// DescriptorFromPanic describes a recovered panic value. The class is the
// dynamic type of the value.
func DescriptorFromPanic(recovered any, backtrace []string) faults.Descriptor {
	var msg string
	switch v := recovered.(type) {
	case error:
		msg = v.Error()
	case fmt.Stringer:
		msg = v.String()
	default:
		msg = fmt.Sprint(v)
	}
	return faults.Descriptor{
		Class:     fmt.Sprintf("%T", recovered),
		Message:   msg,
		Backtrace: backtrace,
	}
}

// CaptureStack returns the calling goroutine's stack as "file:line:in
// function" frames, innermost first. skip counts the frames above the
// caller of CaptureStack to leave out.
func CaptureStack(skip int) []string {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	out := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		if frame.File != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			out = append(out, fmt.Sprintf("%s:%d:in %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return out
}
