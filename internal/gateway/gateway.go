// Package gateway implements the API Gateway: the loopback HTTP surface
// for handshake, job submission, status polling, result retrieval, and
// approval minting.
package gateway

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/cayde/coworker-server/internal/approval"
	"github.com/cayde/coworker-server/internal/store"
)

// Gateway holds the dependencies every handler needs.
type Gateway struct {
	store  *store.Store
	signer *approval.Signer
}

// New builds a Gateway over the given store and approval signer.
func New(cpStore *store.Store, signer *approval.Signer) *Gateway {
	return &Gateway{store: cpStore, signer: signer}
}

// Handler builds the full gorilla/mux router, with CORS wrapped around it
// so the browser-extension UI can reach the loopback server cross-origin.
func (gateway *Gateway) Handler(allowedOrigins []string) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc(RouteHandshake, gateway.handleHandshake).Methods(http.MethodPost)

	authed := router.NewRoute().Subrouter()
	authed.Use(gateway.authMiddleware)
	authed.HandleFunc(RouteTools, gateway.handleTools).Methods(http.MethodGet)
	authed.HandleFunc(RouteJobs, gateway.handleSubmitJob).Methods(http.MethodPost)
	authed.HandleFunc(RouteJob, gateway.handleGetJob).Methods(http.MethodGet)
	authed.HandleFunc(RouteJobResult, gateway.handleGetResult).Methods(http.MethodGet)
	authed.HandleFunc(RouteApprove, gateway.handleApprove).Methods(http.MethodPost)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", HeaderSession, HeaderToken},
	})

	return corsMiddleware.Handler(router)
}
