package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/routers"
)

type routerView struct {
	model.Router
	CIDRRanges []string `json:"cidr_ranges"`
}

func viewRouter(r model.Router) routerView {
	cidrs := r.CIDRList()
	if cidrs == nil {
		cidrs = []string{}
	}
	return routerView{Router: r, CIDRRanges: cidrs}
}

func (h *Handler) listRouters(w http.ResponseWriter, r *http.Request) {
	list, err := h.routers.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]routerView, 0, len(list))
	for _, rt := range list {
		out = append(out, viewRouter(rt))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getRouter(w http.ResponseWriter, r *http.Request) {
	rt, err := h.routers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRouter(rt))
}

func (h *Handler) createRouter(w http.ResponseWriter, r *http.Request) {
	var in routers.CreateInput
	if err := decode(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	rt, err := h.routers.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewRouter(rt))
}

func (h *Handler) updateRouter(w http.ResponseWriter, r *http.Request) {
	var in routers.UpdateInput
	if err := decode(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	rt, err := h.routers.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRouter(rt))
}

func (h *Handler) deleteRouter(w http.ResponseWriter, r *http.Request) {
	if err := h.routers.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRouterActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt, err := h.routers.SetActive(r.Context(), chi.URLParam(r, "id"), active)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewRouter(rt))
	}
}

func (h *Handler) testRouter(w http.ResponseWriter, r *http.Request) {
	res, err := h.routers.TestConnection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) nextIP(w http.ResponseWriter, r *http.Request) {
	ip, err := h.routers.NextAvailableIP(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ip": ip})
}

func (h *Handler) checkIP(w http.ResponseWriter, r *http.Request) {
	res, err := h.routers.CheckIPAvailable(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "ip"), r.URL.Query().Get("exclude_contract_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
