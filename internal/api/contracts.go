package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/asotonet/isp-billing/internal/contracts"
	"github.com/asotonet/isp-billing/internal/model"
)

// replyContract writes c, or the error with the stored contract attached
// when the router sync failed after persisting.
func (h *Handler) replyContract(w http.ResponseWriter, r *http.Request, status int, c model.Contract, err error) {
	if err == nil {
		writeJSON(w, status, c)
		return
	}
	var serr *contracts.SyncError
	if errors.As(err, &serr) && !serr.Guard && c.ID != "" {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Contract: c})
		return
	}
	h.fail(w, r, err)
}

func (h *Handler) createContract(w http.ResponseWriter, r *http.Request) {
	var in contracts.ContractInput
	if err := decode(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.contracts.Create(r.Context(), in)
	h.replyContract(w, r, http.StatusCreated, c, err)
}

func (h *Handler) getContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.contracts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) updateContract(w http.ResponseWriter, r *http.Request) {
	var in contracts.ContractUpdate
	if err := decode(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.contracts.Update(r.Context(), chi.URLParam(r, "id"), in)
	h.replyContract(w, r, http.StatusOK, c, err)
}

func (h *Handler) syncContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.contracts.Resync(r.Context(), chi.URLParam(r, "id"))
	h.replyContract(w, r, http.StatusOK, c, err)
}

type planSpeedRequest struct {
	DownloadMbps float64 `json:"download_mbps" validate:"gt=0"`
	UploadMbps   float64 `json:"upload_mbps" validate:"gt=0"`
}

func (h *Handler) updatePlanSpeed(w http.ResponseWriter, r *http.Request) {
	var in planSpeedRequest
	if err := decode(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	p, started, err := h.contracts.UpdatePlanSpeed(r.Context(), chi.URLParam(r, "id"), in.DownloadMbps, in.UploadMbps)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": p, "propagation_started": started})
}

func (h *Handler) profilesInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.plans.GetPPPProfilesInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) syncProfiles(w http.ResponseWriter, r *http.Request) {
	res, err := h.plans.SyncPPPProfiles(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
