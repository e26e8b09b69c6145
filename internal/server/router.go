package server

import (
	"net/http"
)

// CallbackRouter routes the handful of requests the local OAuth server ever
// sees: the consent redirect, and noise from the local network.
//
// Only GET is accepted; the authorization code always arrives as a redirect.
type CallbackRouter struct {
	mux *http.ServeMux
}

// NewCallbackRouter creates an empty router.
func NewCallbackRouter() *CallbackRouter {
	return &CallbackRouter{mux: http.NewServeMux()}
}

// Handler registers every route the handler serves.
func (r *CallbackRouter) Handler(handler Handler) {
	for _, route := range handler.Routes() {
		r.mux.Handle(route, getOnly(handler))
	}
}

// ServeHTTP implements [http.Handler] for the whole router.
func (r *CallbackRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func getOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, req)
	})
}
