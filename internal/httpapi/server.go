// Package httpapi serves the service's read-only HTTP surface.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ligun0805/usdc-settler/internal/ledger"
	"github.com/ligun0805/usdc-settler/internal/metrics"
	"github.com/ligun0805/usdc-settler/internal/settlement"
	"github.com/ligun0805/usdc-settler/internal/units"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// StateSource reads the settlement contract's public state.
type StateSource interface {
	Read(ctx context.Context) (ledger.ContractState, error)
}

// Lister reads journal rows.
type Lister interface {
	List(ctx context.Context, f settlement.Filter) ([]settlement.Record, error)
}

type Server struct {
	state       StateSource
	journal     Lister
	gatherer    prometheus.Gatherer
	decimals    int
	callTimeout time.Duration
	log         *zap.SugaredLogger
}

func New(state StateSource, journal Lister, g prometheus.Gatherer, decimals int, callTimeout time.Duration, log *zap.Logger) *Server {
	return &Server{
		state:       state,
		journal:     journal,
		gatherer:    g,
		decimals:    decimals,
		callTimeout: callTimeout,
		log:         log.Sugar(),
	}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", instrument("root", s.handleRoot))
	mux.HandleFunc("GET /contract-state", instrument("contract-state", s.handleContractState))
	mux.HandleFunc("GET /settlements", instrument("settlements", s.handleSettlements))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("usdc-settler is running"))
}

func (s *Server) handleContractState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.callTimeout)
	defer cancel()
	st, err := s.state.Read(ctx)
	if err != nil {
		s.log.Errorf("[http] contract state: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch contract state"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type recordView struct {
	OrderID   string    `json:"orderId"`
	SourceTx  string    `json:"sourceTx"`
	LogIndex  uint      `json:"logIndex"`
	Payer     string    `json:"payer"`
	Amount    string    `json:"amount"`
	Formatted string    `json:"amountFormatted"`
	MetaData  string    `json:"metaData"`
	State     string    `json:"state"`
	TxHash    string    `json:"txHash,omitempty"`
	GasLimit  uint64    `json:"gasLimit,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	f := settlement.Filter{Limit: defaultLimit}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = min(n, maxLimit)
	}
	if v := q.Get("state"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st := settlement.State(strings.TrimSpace(strings.ToLower(part)))
			if !known(st) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown state " + strconv.Quote(part)})
				return
			}
			f.States = append(f.States, st)
		}
	}

	recs, err := s.journal.List(r.Context(), f)
	if err != nil {
		s.log.Errorf("[http] list settlements: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list settlements"})
		return
	}
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		v := recordView{
			OrderID:   rec.OrderID,
			SourceTx:  rec.SourceTx.Hex(),
			LogIndex:  rec.LogIndex,
			Payer:     rec.Payer.Hex(),
			Amount:    rec.Amount.String(),
			Formatted: units.Format(rec.Amount, s.decimals),
			MetaData:  rec.MetaData,
			State:     string(rec.State),
			GasLimit:  rec.GasLimit,
			Reason:    rec.Reason,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
		if rec.TxHash != (common.Hash{}) {
			v.TxHash = rec.TxHash.Hex()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func known(st settlement.State) bool {
	switch st {
	case settlement.StateReceived, settlement.StateReconciling, settlement.StateEstimating,
		settlement.StateSubmitting, settlement.StateAwaitingConfirmation,
		settlement.StateConfirmed, settlement.StateTimedOut, settlement.StateRejected:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// instrument records request count and latency per handler.
func instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		h(rw, r)
		metrics.HTTPRequestDuration.WithLabelValues(name, r.Method).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(name, r.Method, strconv.Itoa(rw.statusCode)).Inc()
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
