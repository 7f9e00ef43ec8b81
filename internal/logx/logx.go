package logx

import (
	"context"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Combined filter + de-dup writer.
// - allowPattern (optional): if set, only lines matching it pass
// - denyPattern  (optional): lines matching it are dropped
// - window: drop identical lines seen within this window (de-dup)
type Writer struct {
	dst         io.Writer
	allow, deny *regexp.Regexp
	window      time.Duration
	mu          sync.Mutex
	lastSeen    map[string]time.Time
}

func New(dst io.Writer, window time.Duration, allowPattern, denyPattern string) *Writer {
	return &Writer{
		dst:      dst,
		allow:    compileSoft(allowPattern),
		deny:     compileSoft(denyPattern),
		window:   window,
		lastSeen: make(map[string]time.Time),
	}
}

// compileSoft returns nil for blank or invalid patterns; a bad LOG_ALLOW must
// not silence the process.
func compileSoft(pattern string) *regexp.Regexp {
	if strings.TrimSpace(pattern) == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return re
}

func (w *Writer) Write(p []byte) (int, error) {
	line := string(p)

	if w.deny != nil && w.deny.MatchString(line) {
		return len(p), nil
	}
	if w.allow != nil && !w.allow.MatchString(stripTimestamp(line)) {
		return len(p), nil
	}

	key := strings.TrimRight(stripTimestamp(line), "\r\n")

	now := time.Now()
	w.mu.Lock()
	last, ok := w.lastSeen[key]
	if ok && now.Sub(last) < w.window {
		w.mu.Unlock()
		return len(p), nil // drop duplicate within window
	}
	w.lastSeen[key] = now
	w.mu.Unlock()

	return w.dst.Write(p)
}

// Prune drops de-dup keys older than the window and returns how many remain.
func (w *Writer) Prune(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, seen := range w.lastSeen {
		if now.Sub(seen) >= w.window {
			delete(w.lastSeen, k)
		}
	}
	return len(w.lastSeen)
}

// Run prunes the de-dup table every interval until ctx ends.
func (w *Writer) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			w.Prune(now)
		}
	}
}

// stripTimestamp removes the "2006/01/02 15:04:05 " prefix added by
// log.Ldate|log.Ltime so tag patterns can anchor on '['.
func stripTimestamp(line string) string {
	const stamp = len("2006/01/02 15:04:05 ")
	if len(line) > stamp && line[4] == '/' && line[7] == '/' && line[13] == ':' {
		return line[stamp:]
	}
	return line
}
