package trade

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Mount registers the service's routes on r. authn guards the account
// routes and internal guards the provisioning routes.
func (s *Service) Mount(r chi.Router, authn, internal func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stocks", s.ListStocksHandler)

		r.Group(func(r chi.Router) {
			r.Use(authn)

			// Orders.
			r.Get("/orders", s.ListOrdersHandler)
			r.Post("/orders", s.CreateOrder)
			r.Get("/orders/{orderID}", s.GetOrderHandler)
			r.Get("/summary", s.GetOrderSummary)

			// Holdings.
			r.Get("/shares/all", s.ListShares)
			r.Get("/shares/summary", s.GetSharesSummary)
			r.Get("/account", s.GetAccount)

			// WebSocket stream of the caller's fills.
			r.Get("/ws", s.HandleWS)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(internal)
		r.Post("/accounts", s.OpenAccountHandler)
		r.Post("/stocks", s.CreateStockHandler)
		r.Delete("/stocks/{code}", s.DeleteStockHandler)
	})
}
