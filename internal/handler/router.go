package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/utubchat/growth-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса growth.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		// Клиентская поверхность: пользовательский контекст приходит от платформы.
		r.Post("/experiments/assign", h.AssignVariant)
		r.Post("/experiments/track", h.TrackEvent)

		// Операторская поверхность под служебным токеном.
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/commissions/ad", h.DistributeAdCommissions)
			r.Post("/commissions/order", h.DistributeOrderCommissions)

			r.Post("/referrals", h.EnrollReferral)
			r.Get("/referrals/{userID}/chain", h.GetAffiliateChain)

			r.Get("/wallets/{userID}", h.GetWallet)

			r.Post("/orders", h.RecordOrder)
			r.Post("/ad-spends", h.RecordAdSpend)

			r.Post("/admin/tests", h.CreateTest)
			r.Post("/admin/tests/{testID}/status", h.UpdateTestStatus)
			r.Get("/admin/tests/{testID}/results", h.GetTestResults)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
