package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"
)

var (
	crashMu    sync.RWMutex
	crashDir   = "./logs"
	crashState func() map[string]string
)

// InstallCrashHandler sets the directory crash reports are written to.
// An empty dir keeps the logs directory next to the executable.
func InstallCrashHandler(dir string) {
	if dir == "" {
		if logsDir, err := logDirectory(); err == nil {
			dir = logsDir
		}
	}

	if dir == "" {
		return
	}

	crashMu.Lock()
	crashDir = dir
	crashMu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: failed to create crash directory: %v\n", err)
	}
}

// SetCrashState registers a snapshot of orchestration state included in crash reports
func SetCrashState(fn func() map[string]string) {
	crashMu.Lock()
	crashState = fn
	crashMu.Unlock()
}

// WriteCrashFile writes a crash report and returns its path, or "" when the file could not
// be written (the report then goes to stderr).
func WriteCrashFile(panicVal interface{}, stackTrace string) string {
	crashMu.RLock()
	dir, stateFn := crashDir, crashState
	crashMu.RUnlock()

	now := time.Now()
	var report bytes.Buffer
	fmt.Fprintf(&report, "vellum crash at %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&report, "version: %s\n", GetFullVersion())
	fmt.Fprintf(&report, "panic: %v\n", panicVal)
	fmt.Fprintf(&report, "goroutines: %d (safe-go spawned: %d)\n\n", runtime.NumGoroutine(), GetGoroutineCount())

	if stateFn != nil {
		report.WriteString("-- state --\n")
		report.WriteString(formatState(safeState(stateFn)))
		report.WriteString("\n")
	}

	report.WriteString("-- stack --\n")
	report.WriteString(stackTrace)
	report.WriteString("\n-- all goroutines --\n")
	report.WriteString(allGoroutineStacks())

	crashPath := filepath.Join(dir, fmt.Sprintf("crash-%s.log", now.Format("2006-01-02T15-04-05")))
	if err := os.WriteFile(crashPath, report.Bytes(), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: failed to write crash file: %v\n%s", err, report.String())
		return ""
	}

	fmt.Fprintf(os.Stderr, "\nFATAL: panic %v, report saved to %s\n", panicVal, crashPath)
	return crashPath
}

// RecoverWithCrashFile is deferred at the top of main; it reports the panic and exits
func RecoverWithCrashFile() {
	if r := recover(); r != nil {
		buf := make([]byte, 8192)
		n := runtime.Stack(buf, false)
		WriteCrashFile(r, string(buf[:n]))
		os.Exit(1)
	}
}

// safeState calls fn, tolerating a panic inside the snapshot itself
func safeState(fn func() map[string]string) (state map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			state = map[string]string{"state_error": fmt.Sprintf("%v", r)}
		}
	}()
	return fn()
}

func formatState(state map[string]string) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, state[k])
	}
	return b.String()
}

func allGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= 16*1024*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}
