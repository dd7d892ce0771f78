// Package klog is the kernel's one logging sink. Nothing this early
// in boot can assume a handler-based logging stack: before the console
// descriptor exists there is no io.Writer to hand one anyway, so this
// is the thinnest possible wrapper over a swappable sink.
package klog

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stderr
)

// SetOutput redirects kernel log output. Nothing in this tree calls it,
// so the log stays on os.Stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// Printf writes a formatted line to the current log sink.
func Printf(format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, format, args...)
}

// Println writes args to the current log sink, space-separated, with a
// trailing newline.
func Println(args ...any) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintln(out, args...)
}
