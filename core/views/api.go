package views

import (
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/modelapi/core/logger"
)

// API registers model views as REST routes on a router. All routes are
// prefixed, typically with "/api", and serve compressed responses.
type API struct {
	router *mux.Router
	prefix string
}

// NewAPI returns an API registering routes on the passed router under
// prefix. Requests get a request id for logging.
func NewAPI(router *mux.Router, prefix string) *API {
	logger.AddRequestID(router)
	return &API{router: router, prefix: prefix}
}

// HandleCORS adds a middleware that adds CORS headers to all requests
// and answers preflight requests. Call this when the API is published
// to browsers on other origins.
func (a *API) HandleCORS() {
	corsMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Set CORS headers for all requests
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, If-None-Match, Access-Control-Allow-Origin, X-Application-Token")
			w.Header().Set("Access-Control-Expose-Headers", "*")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			// Handle preflight OPTIONS request
			if r.Method == http.MethodOptions {
				logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, " (handled by CORS middleware)")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.ServeHTTP(w, r)
		})
	}
	a.router.Use(corsMiddleware)
}

// AddResource registers a view under the plural of its resource name,
// e.g. the "widget" resource under prefix + "/widgets".
func (a *API) AddResource(view *ModelView) error {
	return a.AddResourceAt("/"+view.tableName(), view)
}

// AddResourceAt registers a view under an explicit path. This makes it
// possible to expose the same resource under several paths with
// different policies or relation declarations.
//
// The resource's table and columns are created if they do not exist
// yet. Foreign key columns of -many relations live on the peer's
// table; register the peer first if its view declares own columns.
func (a *API) AddResourceAt(path string, view *ModelView) error {
	if view.DB == nil {
		return fmt.Errorf("view for path %s lacks a database", path)
	}
	if view.Resource == "" {
		return fmt.Errorf("view for path %s lacks a resource name", path)
	}
	if err := view.ensureTable(); err != nil {
		return err
	}

	listRoute := a.prefix + path
	itemRoute := listRoute + "/{" + view.primaryColumn() + "}"
	logger.Default().Debugln("create routes:", listRoute)
	logger.Default().Debugln("create routes:", itemRoute)

	route := func(path string, handler http.HandlerFunc, methods ...string) {
		a.router.Handle(path, handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
			handler(w, r)
		}))).Methods(append(methods, http.MethodOptions)...)
	}
	route(listRoute, view.List, http.MethodGet)
	route(listRoute, view.Create, http.MethodPost)
	route(itemRoute, view.Retrieve, http.MethodGet)
	route(itemRoute, view.Update, http.MethodPut, http.MethodPatch)
	route(itemRoute, view.Destroy, http.MethodDelete)
	return nil
}

// Router returns the router the API registers routes on.
func (a *API) Router() *mux.Router {
	return a.router
}
