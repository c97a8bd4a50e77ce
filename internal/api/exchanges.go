package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mbailey/voicemode-sub000/internal/exchange"
)

// ExchangeReader reads back logged conversation exchanges. Implemented by
// exchange.Log.
type ExchangeReader interface {
	ReadDay(day time.Time) ([]exchange.Entry, error)
}

type ExchangesHandler struct {
	exchanges ExchangeReader
}

func NewExchangesHandler(exchanges ExchangeReader) *ExchangesHandler {
	return &ExchangesHandler{exchanges: exchanges}
}

func (h *ExchangesHandler) Routes(r chi.Router) {
	r.Get("/exchanges", h.List)
}

type exchangesResponse struct {
	Day       string           `json:"day"`
	Exchanges []exchange.Entry `json:"exchanges"`
}

// List returns the exchange log for one day, today by default.
func (h *ExchangesHandler) List(w http.ResponseWriter, r *http.Request) {
	day := time.Now()
	if v, ok := QueryString(r, "day"); ok {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid day, want YYYY-MM-DD", err.Error())
			return
		}
		day = parsed
	}

	entries, err := h.exchanges.ReadDay(day)
	if err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "exchange log read failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, exchangesResponse{
		Day:       day.Format("2006-01-02"),
		Exchanges: entries,
	})
}
