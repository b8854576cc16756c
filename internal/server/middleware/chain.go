package middleware

import "net/http"

type Middleware func(http.Handler) http.Handler

// Chain applies middlewares to a final handler. They run in list order:
// the first middleware is the outermost, seeing the request first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	if h == nil {
		h = http.DefaultServeMux
	}
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
