package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"policygate/pkg/types"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// intentRequest is the POST /intent body. Unknown top-level keys are
// ignored; the intent and snapshot objects themselves decode strictly.
type intentRequest struct {
	Intent         json.RawMessage `json:"intent"`
	MarketSnapshot json.RawMessage `json:"market_snapshot"`
}

type healthBody struct {
	Status              string `json:"status"`
	RunID               string `json:"run_id"`
	PolicyHash          string `json:"policy_hash"`
	PositionsCount      int    `json:"positions_count"`
	KillSwitchActive    bool   `json:"kill_switch_active"`
	OrdersLast60sGlobal int    `json:"orders_last_60s_global"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	body := healthBody{
		Status:              "ok",
		RunID:               s.runID,
		PolicyHash:          s.health.PolicyHash,
		PositionsCount:      len(s.health.Portfolio.Positions),
		KillSwitchActive:    s.health.Execution.KillSwitchActive,
		OrdersLast60sGlobal: s.health.Execution.OrdersLast60sGlobal,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "invalid_content_type",
			Message: "Content-Type must be application/json.",
		})
		return
	}

	// Content-Length is required so the 64 KiB cap is checked before the
	// body is read.
	if r.ContentLength < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "missing_content_length",
			Message: "Content-Length header is required.",
		})
		return
	}
	if r.ContentLength > MaxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
			Error:   "payload_too_large",
			Message: "Request body exceeds 65536 bytes.",
		})
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: err.Error()})
		return
	}

	var payload intentRequest
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: err.Error()})
		return
	}
	if len(payload.Intent) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "invalid_json",
			Message: "Request body must be an object with an 'intent' key.",
		})
		return
	}

	intent, err := types.DecodeOrderIntent(payload.Intent)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_intent", Message: err.Error()})
		return
	}

	// A per-request snapshot replaces the startup snapshot for this request
	// only.
	market := s.market
	if len(payload.MarketSnapshot) > 0 {
		override, err := types.DecodeMarketSnapshot(payload.MarketSnapshot)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_market_snapshot", Message: err.Error()})
			return
		}
		market = override
	}

	s.mu.Lock()
	decision, err := s.runner.ProcessIntent(r.Context(), intent, market)
	s.mu.Unlock()

	if err != nil {
		// On a broker failure the governance audit is already durable and
		// the ORDER_REJECTED execution event was emitted inside the runner;
		// a failed audit append aborts before any broker I/O. Both fail loud.
		s.logger.Error("broker failure", "intent_id", intent.IntentID, "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "broker_failure", Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
