package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mbailey/voicemode-sub000/internal/conch"
)

// ConchSource reads the current turn-lock state. Implemented by conch.Lock.
type ConchSource interface {
	Info() (conch.Info, error)
}

type ConchHandler struct {
	conch ConchSource
}

func NewConchHandler(c ConchSource) *ConchHandler {
	return &ConchHandler{conch: c}
}

func (h *ConchHandler) Routes(r chi.Router) {
	r.Get("/conch", h.Get)
}

func (h *ConchHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.conch.Info()
	if err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "conch read failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, info)
}
