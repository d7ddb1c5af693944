package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, when
// set, is called after logging, main uses it to count panics.
// http.ErrAbortHandler is re-panicked so net/http can abort the connection.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				err = xerrors.Wrap(xerrors.EnsureTrace(err), "handler panic")

				ctx := r.Context()
				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(ctx),
				).Error(ctx, err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
