package middleware

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"

	"peershare/internal/apperr"
)

// Recover turns a handler panic into a 500. http.ErrAbortHandler is passed
// through so a deliberately aborted stream is not logged as a crash.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			log.Printf("[panic] %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
			apperr.Write(w, fmt.Errorf("internal error: %v", rec))
		}()
		next.ServeHTTP(w, r)
	})
}
