// package server contains the local HTTP plumbing for the OAuth callback flow
package server

import (
	"net/http"
)

// Handler pairs an [http.Handler] with the path patterns it serves, so the
// callback router can register it without knowing its routes up front.
type Handler interface {
	http.Handler
	Routes() []string
}
