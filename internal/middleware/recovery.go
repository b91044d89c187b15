package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"bling-sync-api/pkg/apierror"
)

// Recovery returns a middleware that turns panics into 500 responses.
func Recovery(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("HTTP")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					log.Error("panic recovered",
						zap.Any("panic", err),
						zap.String("path", r.URL.Path),
						zap.String("request_id", GetRequestID(r.Context())),
						zap.Stack("stack"))

					apierror.InternalError("internal server error").Write(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
