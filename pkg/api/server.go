// Package api is the transport boundary: a gorilla/mux REST router and a
// WebSocket hub over the batch engine. Per the core's non-goals this layer
// is routing and (de)serialization only; every business decision lives in
// pkg/batch and below.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/rollupcore/pkg/batch"
	"github.com/uhyunpark/rollupcore/pkg/execution"
	"github.com/uhyunpark/rollupcore/pkg/orderbook"
)

// Server handles the REST API and WebSocket connections.
type Server struct {
	engine *batch.TransactionBatch
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger

	// privilegedKeys gates the all-events WebSocket feed.
	privilegedKeys map[string]bool
}

// NewServer creates an API server over a batch engine and wires the
// WebSocket hub in as the engine's broadcaster.
func NewServer(engine *batch.TransactionBatch, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine:         engine,
		router:         mux.NewRouter(),
		hub:            NewHub(),
		log:            log,
		privilegedKeys: map[string]bool{},
	}
	if key := os.Getenv("ROLLUPCORE_WS_PRIVILEGED_KEY"); key != "" {
		s.privilegedKeys[key] = true
	}
	engine.SetBroadcaster(s.hub)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order flow
	api.HandleFunc("/spot/limit", s.handleSpotLimit).Methods("POST")
	api.HandleFunc("/spot/market", s.handleSpotMarket).Methods("POST")
	api.HandleFunc("/perp/limit", s.handlePerpLimit).Methods("POST")
	api.HandleFunc("/perp/market", s.handlePerpMarket).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/amend", s.handleAmendOrder).Methods("POST")

	// Funds
	api.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawal", s.handleWithdrawal).Methods("POST")
	api.HandleFunc("/split_notes", s.handleSplitNotes).Methods("POST")
	api.HandleFunc("/change_position_margin", s.handleMarginChange).Methods("POST")

	// Order tabs + onchain MM
	api.HandleFunc("/tabs/open", s.handleTabOpen).Methods("POST")
	api.HandleFunc("/tabs/close", s.handleTabClose).Methods("POST")
	api.HandleFunc("/mm/register", s.handleMMRegister).Methods("POST")
	api.HandleFunc("/mm/add_liquidity", s.handleMMAddLiquidity).Methods("POST")
	api.HandleFunc("/mm/remove_liquidity", s.handleMMRemoveLiquidity).Methods("POST")
	api.HandleFunc("/mm/close", s.handleMMClose).Methods("POST")

	// Operations
	api.HandleFunc("/oracle/index_price", s.handleIndexPrice).Methods("POST")
	api.HandleFunc("/finalize_batch", s.handleFinalizeBatch).Methods("POST")
	api.HandleFunc("/restore_orderbook", s.handleRestoreOrderbook).Methods("POST")
	api.HandleFunc("/escape", s.handleEscape).Methods("POST")

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	handler := c.Handler(s.router)

	s.log.Infow("api server starting", "addr", addr)
	return http.ListenAndServe(addr, handler)
}

// decode reads the request body into dst, writing a 400 and returning
// false on malformed input.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Successful: false, ErrorMessage: "malformed request body"})
		return false
	}
	return true
}

// runTx dispatches a transaction through the worker path and awaits it,
// bounded so an abandoned client can't pin a handler forever.
func (s *Server) runTx(w http.ResponseWriter, tx batch.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := s.engine.ExecuteTransaction(ctx, tx)
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, ErrorResponse{Successful: false, ErrorMessage: err.Error()})
		return
	}
	res, err := h.Wait(ctx)
	if err != nil {
		respondJSON(w, http.StatusGatewayTimeout, ErrorResponse{Successful: false, ErrorMessage: "response abandoned"})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type spotLimitRequest struct {
	Market string               `json:"market"`
	Side   string               `json:"side"` // "buy" | "sell"
	Price  uint64               `json:"price"`
	Qty    uint64               `json:"qty"`
	Order  *execution.SpotOrder `json:"order"`
}

func sideOf(s string) orderbook.Side {
	if s == "sell" {
		return orderbook.Sell
	}
	return orderbook.Buy
}

func (s *Server) handleSpotLimit(w http.ResponseWriter, r *http.Request) {
	var req spotLimitRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindSpotSwap, SpotLimit: &batch.SpotLimitMsg{
		Market: req.Market, Side: sideOf(req.Side), Price: req.Price, Qty: req.Qty, Order: req.Order,
	}})
}

type spotMarketRequest struct {
	Market string               `json:"market"`
	Side   string               `json:"side"`
	Qty    uint64               `json:"qty"`
	Order  *execution.SpotOrder `json:"order"`
}

func (s *Server) handleSpotMarket(w http.ResponseWriter, r *http.Request) {
	var req spotMarketRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindSpotSwap, SpotMarket: &batch.SpotMarketMsg{
		Market: req.Market, Side: sideOf(req.Side), Qty: req.Qty, Order: req.Order,
	}})
}

type perpLimitRequest struct {
	Market string               `json:"market"`
	Price  uint64               `json:"price"`
	Qty    uint64               `json:"qty"`
	Order  *execution.PerpOrder `json:"order"`
}

func (s *Server) handlePerpLimit(w http.ResponseWriter, r *http.Request) {
	var req perpLimitRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindPerpSwap, PerpLimit: &batch.PerpLimitMsg{
		Market: req.Market, Price: req.Price, Qty: req.Qty, Order: req.Order,
	}})
}

type perpMarketRequest struct {
	Market string               `json:"market"`
	Qty    uint64               `json:"qty"`
	Order  *execution.PerpOrder `json:"order"`
}

func (s *Server) handlePerpMarket(w http.ResponseWriter, r *http.Request) {
	var req perpMarketRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindPerpSwap, PerpMarket: &batch.PerpMarketMsg{
		Market: req.Market, Qty: req.Qty, Order: req.Order,
	}})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if !decode(w, r, &req) {
		return
	}
	remaining, found, err := s.engine.CancelOrder(req.Market, req.OrderID, req.UserID)
	if err != nil {
		respondJSON(w, http.StatusOK, CancelOrderResponse{Successful: false, ErrorMessage: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, CancelOrderResponse{Successful: true, Remaining: remaining, Found: found})
}

func (s *Server) handleAmendOrder(w http.ResponseWriter, r *http.Request) {
	var req AmendOrderRequest
	if !decode(w, r, &req) {
		return
	}
	ack := s.engine.AmendOrder(batch.AmendMsg{
		Market:        req.Market,
		OrderID:       req.OrderID,
		UserID:        req.UserID,
		NewPrice:      req.NewPrice,
		NewExpiration: req.NewExpiration,
		MatchOnly:     req.MatchOnly,
		Signature:     req.Signature,
	})
	respondJSON(w, http.StatusOK, ack)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req execution.DepositRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindDeposit, Deposit: &req})
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req execution.WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindWithdrawal, Withdrawal: &req})
}

func (s *Server) handleSplitNotes(w http.ResponseWriter, r *http.Request) {
	var req execution.SplitRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindNoteSplit, Split: &req})
}

func (s *Server) handleMarginChange(w http.ResponseWriter, r *http.Request) {
	var req execution.MarginChangeRequest
	if !decode(w, r, &req) {
		return
	}
	res := s.engine.ChangePositionMargin(req)
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleTabOpen(w http.ResponseWriter, r *http.Request) {
	var req execution.TabOpenRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTab(w, batch.TabModification{Open: &req})
}

func (s *Server) handleTabClose(w http.ResponseWriter, r *http.Request) {
	var req execution.TabCloseRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTab(w, batch.TabModification{Close: &req})
}

func (s *Server) runTab(w http.ResponseWriter, msg batch.TabModification) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := s.engine.ExecuteOrderTabModification(ctx, msg)
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, ErrorResponse{Successful: false, ErrorMessage: err.Error()})
		return
	}
	res, err := h.Wait(ctx)
	if err != nil {
		respondJSON(w, http.StatusGatewayTimeout, ErrorResponse{Successful: false, ErrorMessage: "response abandoned"})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleMMRegister(w http.ResponseWriter, r *http.Request) {
	var req execution.MMRegisterRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindMMRegister, MMRegister: &req})
}

func (s *Server) handleMMAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req execution.MMAddLiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindMMAddLiquidity, MMAddLiquidity: &req})
}

func (s *Server) handleMMRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req execution.MMRemoveLiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindMMRemoveLiquidity, MMRemoveLiquidity: &req})
}

func (s *Server) handleMMClose(w http.ResponseWriter, r *http.Request) {
	var req execution.MMCloseRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindMMCloseMM, MMClose: &req})
}

func (s *Server) handleIndexPrice(w http.ResponseWriter, r *http.Request) {
	var req IndexPriceRequest
	if !decode(w, r, &req) {
		return
	}
	updates := make([]batch.IndexPriceUpdate, len(req.Updates))
	for i, u := range req.Updates {
		updates[i] = batch.IndexPriceUpdate{Token: u.Token, Price: u.Price, Timestamp: u.Timestamp}
	}
	errs := s.engine.UpdateIndexPrices(updates)
	res := IndexPriceResponse{Successful: true}
	for _, err := range errs {
		if err != nil {
			res.Successful = false
			res.Errors = append(res.Errors, err.Error())
		} else {
			res.Errors = append(res.Errors, "")
		}
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleFinalizeBatch(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.FinalizeBatch())
}

type restoreOrderbookRequest struct {
	Market string             `json:"market"`
	Bids   []*orderbook.Order `json:"bids"`
	Asks   []*orderbook.Order `json:"asks"`
}

func (s *Server) handleRestoreOrderbook(w http.ResponseWriter, r *http.Request) {
	var req restoreOrderbookRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.RestoreOrderbook(req.Market, req.Bids, req.Asks); err != nil {
		respondJSON(w, http.StatusOK, ErrorResponse{Successful: false, ErrorMessage: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"successful": true})
}

func (s *Server) handleEscape(w http.ResponseWriter, r *http.Request) {
	var req execution.EscapeRequest
	if !decode(w, r, &req) {
		return
	}
	s.runTx(w, batch.Transaction{Kind: execution.KindEscape, Escape: &req})
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.engine.Markets()
	out := make([]MarketInfo, len(markets))
	for i, m := range markets {
		out[i] = MarketInfo{Symbol: m.Symbol, Kind: m.Kind.String(), BaseToken: m.BaseToken, QuoteToken: m.QuoteToken}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
