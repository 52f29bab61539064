package api

import (
	"net/http"
	"strconv"

	"github.com/asotonet/isp-billing/internal/events"
	"github.com/asotonet/isp-billing/internal/model"
	"github.com/asotonet/isp-billing/internal/routers"
)

func queryInt(r *http.Request, key string) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, &routers.ValidationError{Msg: key + " must be a non-negative integer"}
	}
	return n, nil
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.events.List(r.Context(), events.Query{
		RouterID: r.URL.Query().Get("router_id"),
		Type:     model.EventType(r.URL.Query().Get("event_type")),
		Hours:    hours,
		Limit:    limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.events.Recent(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
