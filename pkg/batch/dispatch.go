package batch

import (
	"context"

	"github.com/uhyunpark/rollupcore/pkg/execution"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// Transaction is the tagged variant every mutating RPC folds into: exactly
// one payload pointer is set, selected by Kind. Encoding the dispatch as
// data keeps the worker path a single switch instead of a trait-object
// mix.
type Transaction struct {
	Kind execution.TxKind

	Deposit    *execution.DepositRequest
	Withdrawal *execution.WithdrawalRequest
	Split      *execution.SplitRequest

	SpotLimit  *SpotLimitMsg
	SpotMarket *SpotMarketMsg
	PerpLimit  *PerpLimitMsg
	PerpMarket *PerpMarketMsg
	Liquidate  *LiquidateMsg

	MMRegister        *execution.MMRegisterRequest
	MMAddLiquidity    *execution.MMAddLiquidityRequest
	MMRemoveLiquidity *execution.MMRemoveLiquidityRequest
	MMClose           *execution.MMCloseRequest

	Escape *execution.EscapeRequest
}

// Response is the typed result of a dispatched transaction: the shared
// successful/error pair plus whichever payload the transaction kind
// produces.
type Response struct {
	Successful   bool   `json:"successful"`
	ErrorMessage string `json:"error_message,omitempty"`

	Deposit    *execution.DepositResult    `json:"deposit,omitempty"`
	Withdrawal *execution.WithdrawalResult `json:"withdrawal,omitempty"`
	Split      *execution.SplitResult      `json:"split,omitempty"`
	Order      *OrderAck                   `json:"order,omitempty"`
	Perp       *execution.PerpSwapResult   `json:"perp,omitempty"`
	MM         *execution.MMResult         `json:"mm,omitempty"`
	Escape     *execution.EscapeResult     `json:"escape,omitempty"`
}

// Handle is the future a spawned worker resolves.
type Handle struct {
	done chan Response
}

// Wait blocks until the worker completes or ctx is canceled. Cancellation
// abandons the response; the worker itself always runs to completion, so
// an abandoned request never leaves a half-applied mutation.
func (h *Handle) Wait(ctx context.Context) (Response, error) {
	select {
	case res := <-h.done:
		return res, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// ExecuteTransaction admits tx through the semaphore and spawns a worker
// goroutine to run it, returning a handle the caller awaits. The semaphore
// is the sole flow-control knob: exhaustion returns a retryable error
// immediately instead of queueing.
func (b *TransactionBatch) ExecuteTransaction(ctx context.Context, tx Transaction) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, rollerr.Wrap(rollerr.Internal, "batch.ExecuteTransaction", err)
	}
	select {
	case b.sem <- struct{}{}:
	default:
		return nil, rollerr.New(rollerr.Internal, "batch.ExecuteTransaction", "engine at capacity, retry")
	}

	h := &Handle{done: make(chan Response, 1)}
	go func() {
		defer func() { <-b.sem }()
		// The pause gate: finalize takes this for write, so no worker
		// mutates mid-promotion. Workers never suspend while holding it.
		b.pause.RLock()
		defer b.pause.RUnlock()
		h.done <- b.dispatch(tx)
	}()
	return h, nil
}

// dispatch runs one transaction synchronously inside a worker.
func (b *TransactionBatch) dispatch(tx Transaction) Response {
	ts := b.now()
	switch tx.Kind {
	case execution.KindDeposit:
		res := b.engine.Deposit(*tx.Deposit, ts)
		return Response{Successful: res.Successful, ErrorMessage: res.ErrorMessage, Deposit: &res}
	case execution.KindWithdrawal:
		res := b.engine.Withdrawal(*tx.Withdrawal, ts)
		return Response{Successful: res.Successful, ErrorMessage: res.ErrorMessage, Withdrawal: &res}
	case execution.KindNoteSplit:
		res := b.engine.NoteSplit(*tx.Split, ts)
		return Response{Successful: res.Successful, ErrorMessage: res.ErrorMessage, Split: &res}
	case execution.KindSpotSwap:
		var ack OrderAck
		switch {
		case tx.SpotLimit != nil:
			ack = b.SubmitSpotLimit(*tx.SpotLimit)
		case tx.SpotMarket != nil:
			ack = b.SubmitSpotMarket(*tx.SpotMarket)
		default:
			return failedResponse(rollerr.New(rollerr.Internal, "batch.dispatch", "spot swap without order message"))
		}
		return Response{Successful: ack.Successful, ErrorMessage: ack.ErrorMessage, Order: &ack}
	case execution.KindPerpSwap:
		switch {
		case tx.PerpLimit != nil:
			ack := b.SubmitPerpLimit(*tx.PerpLimit)
			return Response{Successful: ack.Successful, ErrorMessage: ack.ErrorMessage, Order: &ack}
		case tx.PerpMarket != nil:
			ack := b.SubmitPerpMarket(*tx.PerpMarket)
			return Response{Successful: ack.Successful, ErrorMessage: ack.ErrorMessage, Order: &ack}
		case tx.Liquidate != nil:
			res := b.Liquidate(*tx.Liquidate)
			return Response{Successful: res.Successful, ErrorMessage: res.ErrorMessage, Perp: &res}
		default:
			return failedResponse(rollerr.New(rollerr.Internal, "batch.dispatch", "perp swap without order message"))
		}
	case execution.KindMMRegister:
		res := b.engine.OnchainRegisterMM(*tx.MMRegister, ts)
		return Response{Successful: res.Successful, ErrorMessage: res.ErrorMessage, MM: &res}
	case execution.KindMMAddLiquidity:
		res := b.engine.OnchainAddLiquidity(*tx.MMAddLiquidity, ts)
		return Response{Successful: res.Successful, ErrorMessage: res.ErrorMessage, MM: &res}
	case execution.KindMMRemoveLiquidity:
		res := b.engine.OnchainRemoveLiquidity(*tx.MMRemoveLiquidity, ts)
		return Response{Successful: res.Successful, ErrorMessage: res.ErrorMessage, MM: &res}
	case execution.KindMMCloseMM:
		res := b.engine.OnchainCloseMM(*tx.MMClose, ts)
		return Response{Successful: res.Successful, ErrorMessage: res.ErrorMessage, MM: &res}
	case execution.KindEscape:
		res := b.engine.Escape(*tx.Escape, ts)
		return Response{Successful: res.Successful, ErrorMessage: res.ErrorMessage, Escape: &res}
	default:
		return failedResponse(rollerr.New(rollerr.Internal, "batch.dispatch", "unknown transaction kind"))
	}
}

func failedResponse(err error) Response {
	return Response{Successful: false, ErrorMessage: err.Error()}
}

// TabModification is the composite order-tab message: exactly one of Open
// or Close is set.
type TabModification struct {
	Open  *execution.TabOpenRequest
	Close *execution.TabCloseRequest
}

// TabModificationResponse is the composite response.
type TabModificationResponse struct {
	Successful   bool                      `json:"successful"`
	ErrorMessage string                    `json:"error_message,omitempty"`
	Open         *execution.TabOpenResult  `json:"open,omitempty"`
	Close        *execution.TabCloseResult `json:"close,omitempty"`
}

// TabHandle is the future an order-tab worker resolves.
type TabHandle struct {
	done chan TabModificationResponse
}

// Wait blocks until the tab worker completes or ctx is canceled.
func (h *TabHandle) Wait(ctx context.Context) (TabModificationResponse, error) {
	select {
	case res := <-h.done:
		return res, nil
	case <-ctx.Done():
		return TabModificationResponse{}, ctx.Err()
	}
}

// ExecuteOrderTabModification dispatches a tab open/close through the same
// worker admission path as ExecuteTransaction.
func (b *TransactionBatch) ExecuteOrderTabModification(ctx context.Context, msg TabModification) (*TabHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, rollerr.Wrap(rollerr.Internal, "batch.ExecuteOrderTabModification", err)
	}
	select {
	case b.sem <- struct{}{}:
	default:
		return nil, rollerr.New(rollerr.Internal, "batch.ExecuteOrderTabModification", "engine at capacity, retry")
	}

	h := &TabHandle{done: make(chan TabModificationResponse, 1)}
	go func() {
		defer func() { <-b.sem }()
		b.pause.RLock()
		defer b.pause.RUnlock()

		ts := b.now()
		switch {
		case msg.Open != nil:
			res := b.engine.OpenOrderTab(*msg.Open, ts)
			h.done <- TabModificationResponse{Successful: res.Successful, ErrorMessage: res.ErrorMessage, Open: &res}
		case msg.Close != nil:
			res := b.engine.CloseOrderTab(*msg.Close, ts)
			h.done <- TabModificationResponse{Successful: res.Successful, ErrorMessage: res.ErrorMessage, Close: &res}
		default:
			err := rollerr.New(rollerr.Internal, "batch.ExecuteOrderTabModification", "empty tab modification")
			h.done <- TabModificationResponse{Successful: false, ErrorMessage: err.Error()}
		}
	}()
	return h, nil
}

// ChangePositionMargin runs synchronously: it still honors the pause gate
// but skips the worker spawn.
func (b *TransactionBatch) ChangePositionMargin(req execution.MarginChangeRequest) execution.MarginChangeResult {
	b.pause.RLock()
	defer b.pause.RUnlock()
	return b.engine.ChangePositionMargin(req, b.now())
}
