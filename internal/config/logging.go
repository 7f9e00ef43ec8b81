package config

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"peershare/internal/logx"
)

// logSink is stdout, plus LOG_FILE when set. A relative LOG_FILE lives under
// DATA_ROOT next to the ledger.
func logSink() io.Writer {
	p := LogFilePath()
	if p == "" {
		return os.Stdout
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(DataRoot(), p)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		log.Printf("[init] log dir for %q: %v", p, err)
		return os.Stdout
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("[init] open log file %q: %v", p, err)
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, f)
}

// SetupLogging installs the tag filter on the std logger. The returned writer's
// Run loop prunes the dedup table and should live as long as the process.
func SetupLogging() *logx.Writer {
	log.SetFlags(log.Ldate | log.Ltime)
	log.SetPrefix("")

	filter := logx.New(logSink(), LogDedupWindow(), LogAllowRegex(), LogDenyRegex())
	log.SetOutput(filter)
	log.Printf("[init] logging configured (dedup=%s allow=%q deny=%q)", LogDedupWindow(), LogAllowRegex(), LogDenyRegex())
	return filter
}
