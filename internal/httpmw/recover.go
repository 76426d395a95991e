package httpmw

import (
	"net/http"

	"github.com/keithlinneman/simplethrottle/internal/log"
	"github.com/keithlinneman/simplethrottle/internal/xerrors"
)

// Recover converts handler panics into 500 responses. onPanic, if non-nil,
// is invoked on every recovered panic (metrics hook).
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if onPanic != nil {
					onPanic()
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.EnsureTrace(e)
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				L := base.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				)
				L.Error(r.Context(), err, "httpserver panic recovered")

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
