package handler

import (
	"net/http"
	"strings"

	"github.com/xenking/storefront/internal/domain/shipment"
)

func (h *Handler) searchCities(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len([]rune(q)) < 2 {
		writeJSON(w, http.StatusOK, []shipment.City{})
		return
	}
	cities, err := h.Directory.SearchCities(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cities == nil {
		cities = []shipment.City{}
	}
	writeJSON(w, http.StatusOK, cities)
}

func (h *Handler) warehouses(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("cityRef"))
	if ref == "" {
		writeError(w, r, newError(http.StatusBadRequest, "invalid_request", "cityRef is required"))
		return
	}
	list, err := h.Directory.Warehouses(r.Context(), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []shipment.Warehouse{}
	}
	writeJSON(w, http.StatusOK, list)
}
