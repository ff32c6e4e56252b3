package server

import (
	"net/http"
	"sort"
	"strings"

	"github.com/ternarybob/vellum/internal/handlers"
)

// RouteHandler is a function type for HTTP handlers
type RouteHandler func(http.ResponseWriter, *http.Request)

// MethodRouter maps HTTP methods to handlers
type MethodRouter map[string]RouteHandler

// RouteByMethod dispatches on r.Method. Unmatched methods get 405 with an Allow header.
func RouteByMethod(w http.ResponseWriter, r *http.Request, routes MethodRouter) {
	if handler, ok := routes[r.Method]; ok && handler != nil {
		handler(w, r)
		return
	}

	allowed := make([]string, 0, len(routes))
	for method, handler := range routes {
		if handler != nil {
			allowed = append(allowed, method)
		}
	}
	sort.Strings(allowed)
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// PathSuffixRouter routes {prefix}{id}{Suffix} to Handler
type PathSuffixRouter struct {
	Suffix  string
	Handler RouteHandler
}

// RouteByPathSuffix matches the path after prefix against "{id}{suffix}" where id is one
// non-empty segment. Returns true if a route handled the request.
func RouteByPathSuffix(w http.ResponseWriter, r *http.Request, prefix string, routes []PathSuffixRouter) bool {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == r.URL.Path || rest == "" {
		return false
	}

	for _, route := range routes {
		id, ok := strings.CutSuffix(rest, route.Suffix)
		if !ok || id == "" || strings.Contains(id, "/") {
			continue
		}
		route.Handler(w, r)
		return true
	}
	return false
}

// RouteResourceCollection handles list + create: GET -> list, POST -> create
func RouteResourceCollection(w http.ResponseWriter, r *http.Request, list, create RouteHandler) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet:  list,
		http.MethodPost: create,
	})
}

// RouteResourceItem handles a single resource: GET -> get, DELETE -> delete.
// Anything below the item (e.g. /{id}/unknown) is a 404.
func RouteResourceItem(w http.ResponseWriter, r *http.Request, prefix string, get, delete RouteHandler) {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == "" || strings.Contains(rest, "/") {
		handlers.WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet:    get,
		http.MethodDelete: delete,
	})
}
