package utils

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	logFile    *os.File
	logOnce    sync.Once
	DebugMode  bool
	logDirPath = "data/runtime/logs"
)

func openLogFile() {
	_ = os.MkdirAll(logDirPath, 0755)
	logFile, _ = os.OpenFile(logDirPath+"/engine.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

func writeLine(line string) {
	logOnce.Do(openLogFile)
	if logFile == nil {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(logFile, "[%s] %s\n", ts, line)
	logFile.Sync()
}

// Debug writes a debug-level line, gated behind DebugMode so it costs
// nothing in normal operation.
func Debug(format string, args ...any) {
	if !DebugMode {
		return
	}
	writeLine(fmt.Sprintf(format, args...))
}

// Gate writes one of the ASCII-only, always-on structured log lines
// required by spec §6.5 (HASH/ATOMIC/TASK/SCHEDULER gates). These are
// part of the observable contract and are written regardless of
// DebugMode.
func Gate(format string, args ...any) {
	writeLine(fmt.Sprintf(format, args...))
}
