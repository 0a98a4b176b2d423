package execution

import (
	"encoding/json"
	"sync"

	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
)

// TxKind tags the variant of transaction record appended to the output
// transcript, one tag per client-visible operation.
type TxKind string

const (
	KindDeposit         TxKind = "deposit"
	KindWithdrawal      TxKind = "withdrawal"
	KindSpotSwap        TxKind = "spot_swap"
	KindPerpSwap        TxKind = "perp_swap"
	KindNoteSplit       TxKind = "split_notes"
	KindMarginChange    TxKind = "change_position_margin"
	KindTabOpen         TxKind = "open_order_tab"
	KindTabClose        TxKind = "close_order_tab"
	KindMMRegister      TxKind = "onchain_register_mm"
	KindMMAddLiquidity  TxKind = "onchain_add_liquidity"
	KindMMRemoveLiquidity TxKind = "onchain_remove_liquidity"
	KindMMCloseMM       TxKind = "onchain_close_mm"
	KindEscape          TxKind = "escape"
)

// Result is the {successful, error_message} pair embedded in every
// operation's response.
type Result struct {
	Successful   bool   `json:"successful"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func ok() Result { return Result{Successful: true} }

func failed(err error) Result {
	return Result{Successful: false, ErrorMessage: err.Error()}
}

// TxRecord is one entry of the append-only output transcript: a tagged,
// ordered record of a single transaction's outcome.
type TxRecord struct {
	Seq          uint64          `json:"seq"`
	Kind         TxKind          `json:"kind"`
	Timestamp    int64           `json:"timestamp"`
	Successful   bool            `json:"successful"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// StateUpdateRecord is one typed leaf write, mirrored into the transcript
// alongside the transaction that caused it so the prover (and Recovery.Replay)
// can reconstruct every write without re-running the pipeline's business
// logic.
type StateUpdateRecord struct {
	Index uint64 `json:"index"`
	Kind  string `json:"leaf_type"`
	Hash  string `json:"hash"`
}

func leafKindString(k merkletree.LeafKind) string {
	switch k {
	case merkletree.LeafNote:
		return "note"
	case merkletree.LeafPosition:
		return "position"
	case merkletree.LeafOrderTab:
		return "order_tab"
	default:
		return "empty"
	}
}

// TxOutputJson accumulates every transaction record and state update
// produced since the last FinalizeBatch, behind its own mutex, the
// fourth and last lock in the batch engine's fixed acquisition order
// (tree -> updated-hashes -> trackers -> output JSON).
type TxOutputJson struct {
	mu           sync.Mutex
	seq          uint64
	Records      []TxRecord
	StateUpdates []StateUpdateRecord
}

// NewTxOutputJson builds an empty transcript.
func NewTxOutputJson() *TxOutputJson {
	return &TxOutputJson{}
}

// AppendSuccess records a successful transaction, JSON-encoding payload as
// its Data field, and returns the record's sequence number.
func (o *TxOutputJson) AppendSuccess(kind TxKind, ts int64, payload any) uint64 {
	data, _ := json.Marshal(payload)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	o.Records = append(o.Records, TxRecord{Seq: o.seq, Kind: kind, Timestamp: ts, Successful: true, Data: data})
	return o.seq
}

// AppendFailure records a rejected transaction without a data payload;
// only the short error message is persisted, never internals.
func (o *TxOutputJson) AppendFailure(kind TxKind, ts int64, err error) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	o.Records = append(o.Records, TxRecord{Seq: o.seq, Kind: kind, Timestamp: ts, Successful: false, ErrorMessage: err.Error()})
	return o.seq
}

// AppendStateUpdate records one leaf write, sourced from a
// merkletree.SuperficialTree.WriteLeaf call, into the parallel
// state_updates list.
func (o *TxOutputJson) AppendStateUpdate(index uint64, kind merkletree.LeafKind, hash field.Element) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.StateUpdates = append(o.StateUpdates, StateUpdateRecord{Index: index, Kind: leafKindString(kind), Hash: field.String(hash)})
}

// Snapshot returns a copy of the accumulated records and state updates,
// for the batch engine to persist at FinalizeBatch without holding the
// lock across the storage write.
func (o *TxOutputJson) Snapshot() ([]TxRecord, []StateUpdateRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	recs := make([]TxRecord, len(o.Records))
	copy(recs, o.Records)
	updates := make([]StateUpdateRecord, len(o.StateUpdates))
	copy(updates, o.StateUpdates)
	return recs, updates
}

// Reset clears the accumulated transcript after a successful finalize,
// ready for the next batch.
func (o *TxOutputJson) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Records = nil
	o.StateUpdates = nil
}
