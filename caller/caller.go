// Package caller prints a call stack for panic diagnostics.
package caller

import (
	"fmt"
	"io"
	"runtime"
)

// Dump writes the call stack starting skip frames up from the caller of
// Dump to out. cmd/kernel's panic recovery calls this before the kernel
// halts.
func Dump(out io.Writer, skip int) {
	for i := skip; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			return
		}
		if i == skip {
			fmt.Fprintf(out, "%s:%d\n", file, line)
		} else {
			fmt.Fprintf(out, "\t<-%s:%d\n", file, line)
		}
	}
}
