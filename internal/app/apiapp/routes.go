package apiapp

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	authsvc "github.com/wondernest/marketplace/internal/services/auth"
	catalogsvc "github.com/wondernest/marketplace/internal/services/catalog"
	fulfillsvc "github.com/wondernest/marketplace/internal/services/fulfillment"
	librarysvc "github.com/wondernest/marketplace/internal/services/library"
	"github.com/wondernest/marketplace/internal/transport/http/handlers"
)

type Dependencies struct {
	JWTManager         *authsvc.JWTManager
	FulfillmentService *fulfillsvc.Service
	CatalogService     *catalogsvc.Service
	LibraryService     *librarysvc.Service
	Logger             *zap.Logger
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler()
	purchaseHandler := handlers.NewPurchaseHandler(deps.FulfillmentService)
	catalogHandler := handlers.NewCatalogHandler(deps.CatalogService)
	libraryHandler := handlers.NewLibraryHandler(deps.LibraryService)
	authMW := AuthMiddleware(deps.JWTManager, deps.Logger)

	r.Get("/healthz", healthHandler.Get)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/marketplace", func(r chi.Router) {
			r.With(authMW).Get("/browse", catalogHandler.Browse)
			r.With(authMW).Get("/items/{listingID}", catalogHandler.Get)
			r.With(authMW).Post("/purchase", purchaseHandler.Create)
			r.With(authMW).Get("/transactions/{transactionID}", purchaseHandler.Transaction)
		})

		r.Route("/library", func(r chi.Router) {
			r.Use(authMW)
			r.Get("/{childID}", libraryHandler.List)
			r.Get("/{childID}/stats", libraryHandler.Stats)
			r.Get("/{childID}/items/{listingID}/access", libraryHandler.Access)
			r.Patch("/{childID}/items/{listingID}/usage", libraryHandler.Usage)
		})
	})
}
