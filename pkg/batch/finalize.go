package batch

import (
	"sort"

	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/perpmath"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
	"github.com/uhyunpark/rollupcore/pkg/storage"
)

// FinalizeResult summarizes one finalized batch.
type FinalizeResult struct {
	Successful   bool   `json:"successful"`
	ErrorMessage string `json:"error_message,omitempty"`
	BatchIdx     uint64 `json:"batch_idx"`
	PreRoot      string `json:"pre_root"`
	PostRoot     string `json:"post_root"`
	TxCount      int    `json:"tx_count"`
	WriteCount   int    `json:"write_count"`
}

// daTokens is the token list committed into every program output, in the
// fixed order the on-chain contract expects.
var daTokens = []uint32{perpmath.TokenBTC, perpmath.TokenETH, perpmath.TokenUSDC, perpmath.TokenSOL}

// configHashes commits the process-wide configuration into the program
// output: the global hash covers the tree geometry and collateral token,
// the asset hash covers every listed token's decimals and leverage cap
// schedule head.
func (b *TransactionBatch) configHashes() (global, asset field.Element) {
	global = field.FromBytes(field.DigestFields(
		field.FromUint64(uint64(b.cfg.Tree.Depth)),
		field.FromUint64(uint64(perpmath.TokenUSDC)),
	))
	elems := make([]field.Element, 0, len(daTokens)*3)
	for _, t := range daTokens {
		elems = append(elems,
			field.FromUint64(uint64(t)),
			field.FromUint64(uint64(perpmath.Decimals(t))),
			field.FromUint64(perpmath.MaxLeverageBps(t, 0)),
		)
	}
	asset = field.FromBytes(field.DigestFields(elems...))
	return global, asset
}

// buildProgramOutput packs the DA blob's field-element vector:
// [prev_root, new_root, batch_id, global_config_hash, asset_config_hash,
// token list, then the per-kind leaf output sections, each prefixed with
// its entry count and packed as (index, hash) pairs in ascending index
// order].
func (b *TransactionBatch) buildProgramOutput(preRoot, postRoot field.Element, batchIdx uint64, updates map[uint64]merkletree.Leaf) []field.Element {
	global, asset := b.configHashes()
	out := []field.Element{
		preRoot,
		postRoot,
		field.FromUint64(batchIdx),
		global,
		asset,
	}
	for _, t := range daTokens {
		out = append(out, field.FromUint64(uint64(t)))
	}

	byKind := map[merkletree.LeafKind][]uint64{}
	for idx, leaf := range updates {
		byKind[leaf.Type] = append(byKind[leaf.Type], idx)
	}
	appendSection := func(kind merkletree.LeafKind) {
		indices := byKind[kind]
		sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
		out = append(out, field.FromUint64(uint64(len(indices))))
		for _, idx := range indices {
			out = append(out, field.FromUint64(idx), updates[idx].Hash)
		}
	}
	appendSection(merkletree.LeafPosition)
	appendSection(merkletree.LeafNote)
	appendSection(merkletree.LeafOrderTab)
	return out
}

// DABlob serializes a program output vector as the big-endian field
// element concatenation the on-chain verifier consumes.
func DABlob(out []field.Element) []byte {
	blob := make([]byte, 0, len(out)*32)
	for _, e := range out {
		b32 := field.Bytes32(e)
		blob = append(blob, b32[:]...)
	}
	return blob
}

// FinalizeBatch is the global barrier closing the open batch: it drains
// in-flight workers via the pause gate, promotes the superficial tree
// (capturing interior-node preimages), assembles the program output and
// prover input, persists the transcript segment, and resets the per-batch
// transcript. Idempotent: a second call with no intervening mutation
// returns the previous result without writing anything.
func (b *TransactionBatch) FinalizeBatch() FinalizeResult {
	b.finalizeMu.Lock()
	defer b.finalizeMu.Unlock()

	b.pause.Lock()
	defer b.pause.Unlock()

	records, stateUpdates := b.engine.Output.Snapshot()
	updates := b.tree.UpdatedHashes()
	if len(records) == 0 && len(updates) == 0 {
		if b.lastFinalize != nil {
			return *b.lastFinalize
		}
		return FinalizeResult{Successful: true, BatchIdx: b.batchIdx}
	}

	_, preRoot, postRoot, preimages, err := b.tree.Finalize()
	if err != nil {
		// Tree promotion failed after leaf writes were already accepted.
		// Nothing can revert at this point, so the failure is promoted to
		// StorageCorruption and the batch halts rather than finalizing.
		werr := rollerr.Wrap(rollerr.StorageCorruption, "batch.FinalizeBatch", err)
		b.log.Errorw("batch finalize failed", "err", werr)
		return FinalizeResult{Successful: false, ErrorMessage: werr.Error()}
	}

	b.batchIdx++
	programOutput := b.buildProgramOutput(preRoot, postRoot, b.batchIdx, updates)

	if b.store != nil {
		seg := &storage.Segment{
			BatchIdx:     b.batchIdx,
			PreRoot:      field.String(preRoot),
			PostRoot:     field.String(postRoot),
			Records:      records,
			StateUpdates: stateUpdates,
		}
		if err := b.store.SaveSegment(seg); err != nil {
			werr := rollerr.Wrap(rollerr.StorageCorruption, "batch.FinalizeBatch", err)
			b.log.Errorw("segment persist failed", "batch_idx", b.batchIdx, "err", werr)
			return FinalizeResult{Successful: false, ErrorMessage: werr.Error()}
		}

		outStrs := make([]string, len(programOutput))
		for i, e := range programOutput {
			outStrs[i] = field.String(e)
		}
		preStrs := make(map[string][2]string, len(preimages))
		for parent, children := range preimages {
			preStrs[field.String(parent)] = [2]string{field.String(children[0]), field.String(children[1])}
		}
		input := &storage.ProverInput{BatchIdx: b.batchIdx, ProgramOutput: outStrs, Preimages: preStrs}
		if err := b.store.SaveProverInput(input); err != nil {
			werr := rollerr.Wrap(rollerr.StorageCorruption, "batch.FinalizeBatch", err)
			b.log.Errorw("prover input persist failed", "batch_idx", b.batchIdx, "err", werr)
			return FinalizeResult{Successful: false, ErrorMessage: werr.Error()}
		}
		if err := b.store.SaveBatchIdx(b.batchIdx); err != nil {
			werr := rollerr.Wrap(rollerr.StorageCorruption, "batch.FinalizeBatch", err)
			return FinalizeResult{Successful: false, ErrorMessage: werr.Error()}
		}
	}

	b.engine.Output.Reset()

	res := FinalizeResult{
		Successful: true,
		BatchIdx:   b.batchIdx,
		PreRoot:    field.String(preRoot),
		PostRoot:   field.String(postRoot),
		TxCount:    len(records),
		WriteCount: len(stateUpdates),
	}
	b.lastFinalize = &res
	b.log.Infow("batch finalized",
		"batch_idx", res.BatchIdx,
		"txs", res.TxCount,
		"writes", res.WriteCount,
		"pre_root", res.PreRoot,
		"post_root", res.PostRoot,
	)
	return res
}

// ProgramOutput rebuilds the DA vector for an already-finalized batch from
// its persisted prover input, for the handoff path and tests.
func (b *TransactionBatch) ProgramOutput(batchIdx uint64) ([]field.Element, error) {
	if b.store == nil {
		return nil, rollerr.New(rollerr.StorageCorruption, "batch.ProgramOutput", "no store configured")
	}
	input, err := b.store.LoadProverInput(batchIdx)
	if err != nil {
		return nil, err
	}
	if input == nil {
		return nil, rollerr.New(rollerr.OrderNotFound, "batch.ProgramOutput", "no prover input for batch")
	}
	out := make([]field.Element, len(input.ProgramOutput))
	for i, s := range input.ProgramOutput {
		e, err := field.Parse(s)
		if err != nil {
			return nil, rollerr.Wrap(rollerr.StorageCorruption, "batch.ProgramOutput", err)
		}
		out[i] = e
	}
	return out, nil
}
