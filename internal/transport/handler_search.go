package transport

import (
	"net/http"
	"strconv"

	"github.com/pitabwire/grcbff/internal/search"
	"github.com/pitabwire/grcbff/model"
)

func handleSearch(s *search.Searcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		q := r.URL.Query()
		resp, err := s.Search(r.Context(), rctx, search.Query{
			Text:     q.Get("q"),
			Domain:   q.Get("domain"),
			Page:     queryInt(r, "page", 1),
			PageSize: queryInt(r, "page_size", 20),
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
