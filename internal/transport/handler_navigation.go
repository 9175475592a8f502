package transport

import (
	"net/http"

	"github.com/pitabwire/grcbff/internal/metadata"
	"github.com/pitabwire/grcbff/model"
)

func handleNavigation(menu *metadata.MenuProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		WriteJSON(w, http.StatusOK, menu.GetMenu(rctx))
	}
}
