// Package storage is the main-storage layer: finalized batch transcripts
// (tx log + typed state updates), one-shot onchain-action commitments, and
// the per-batch prover input, all in a single Pebble database keyed by the
// schema in keys.go. State-affecting writes sync to disk; transcript
// segment appends ride the same policy since losing a finalized segment
// would orphan the prover.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/rollupcore/pkg/execution"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// Store wraps the Pebble database backing main storage.
type Store struct {
	db *pebble.DB
}

// NewStore opens (or creates) the Pebble database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(128 << 20),
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Segment is one finalized batch's durable transcript: the ordered
// transaction records and the typed leaf writes they caused, bracketed by
// the roots finalization moved the tree between.
type Segment struct {
	BatchIdx     uint64                        `json:"batch_idx"`
	PreRoot      string                        `json:"pre_root"`
	PostRoot     string                        `json:"post_root"`
	Records      []execution.TxRecord          `json:"records"`
	StateUpdates []execution.StateUpdateRecord `json:"state_updates"`
}

// SaveSegment persists a finalized batch's transcript segment.
func (s *Store) SaveSegment(seg *Segment) error {
	data, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("failed to marshal segment %d: %w", seg.BatchIdx, err)
	}
	if err := s.db.Set(segmentKey(seg.BatchIdx), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save segment %d: %w", seg.BatchIdx, err)
	}
	return nil
}

// LoadSegment loads one segment by batch index. Returns nil if absent.
func (s *Store) LoadSegment(batchIdx uint64) (*Segment, error) {
	data, closer, err := s.db.Get(segmentKey(batchIdx))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment %d: %w", batchIdx, err)
	}
	defer closer.Close()

	var seg Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return nil, rollerr.Wrap(rollerr.StorageCorruption, "storage.LoadSegment", err)
	}
	return &seg, nil
}

// LoadSegments returns every persisted segment in batch order.
func (s *Store) LoadSegments() ([]*Segment, error) {
	prefix := []byte(prefixSegment)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var segments []*Segment
	for iter.First(); iter.Valid(); iter.Next() {
		var seg Segment
		if err := json.Unmarshal(iter.Value(), &seg); err != nil {
			return nil, rollerr.Wrap(rollerr.StorageCorruption, "storage.LoadSegments", err)
		}
		segments = append(segments, &seg)
	}
	return segments, nil
}

// commitmentRecord is the stored shape of a pending onchain-action
// commitment.
type commitmentRecord struct {
	ActionID uint64 `json:"action_id"`
	Kind     string `json:"kind"`
	DataHash string `json:"data_hash"`
}

// RegisterCommitment records an onchain-action commitment under its
// monotonically assigned action id. Re-registering an id is rejected: a
// commitment is one-shot by construction.
func (s *Store) RegisterCommitment(actionID uint64, kind string, dataHash field.Element) error {
	key := commitmentKey(actionID)
	if _, closer, err := s.db.Get(key); err == nil {
		closer.Close()
		return fmt.Errorf("commitment %d already registered", actionID)
	}
	rec := commitmentRecord{ActionID: actionID, Kind: kind, DataHash: field.String(dataHash)}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal commitment %d: %w", actionID, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save commitment %d: %w", actionID, err)
	}
	return nil
}

// ConsumeCommitment asserts the commitment for actionID exists with the
// expected kind and data hash, then removes it so it can never authorize a
// second action. Implements execution.CommitmentStore.
func (s *Store) ConsumeCommitment(actionID uint64, kind string, dataHash field.Element) error {
	key := commitmentKey(actionID)
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return fmt.Errorf("commitment %d not found", actionID)
	}
	if err != nil {
		return fmt.Errorf("failed to get commitment %d: %w", actionID, err)
	}
	var rec commitmentRecord
	uerr := json.Unmarshal(data, &rec)
	closer.Close()
	if uerr != nil {
		return rollerr.Wrap(rollerr.StorageCorruption, "storage.ConsumeCommitment", uerr)
	}
	if rec.Kind != kind || rec.DataHash != field.String(dataHash) {
		return fmt.Errorf("commitment %d does not match action (kind=%s)", actionID, rec.Kind)
	}
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to consume commitment %d: %w", actionID, err)
	}
	return nil
}

var _ execution.CommitmentStore = (*Store)(nil)

// NextMMActionID advances and returns the monotonic onchain-action id
// counter. The read and the write are separate calls with no lock around
// them, so concurrent callers can receive the same id.
func (s *Store) NextMMActionID() (uint64, error) {
	key := metaKey("mm_action_seq")
	next := uint64(1)
	if data, closer, err := s.db.Get(key); err == nil {
		next = binary.BigEndian.Uint64(data) + 1
		closer.Close()
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := s.db.Set(key, buf, pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to advance mm action id: %w", err)
	}
	return next, nil
}

// ProverInput is the artifact handed to the prover per finalized batch:
// the program-output field-element vector (decimal strings, big-endian
// packing order) plus the interior-node preimage map captured during
// finalization.
type ProverInput struct {
	BatchIdx      uint64               `json:"batch_idx"`
	ProgramOutput []string             `json:"program_output"`
	Preimages     map[string][2]string `json:"preimages"`
}

// SaveProverInput persists a batch's prover input.
func (s *Store) SaveProverInput(input *ProverInput) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal prover input %d: %w", input.BatchIdx, err)
	}
	if err := s.db.Set(proverInputKey(input.BatchIdx), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save prover input %d: %w", input.BatchIdx, err)
	}
	return nil
}

// LoadProverInput loads a batch's prover input. Returns nil if absent.
func (s *Store) LoadProverInput(batchIdx uint64) (*ProverInput, error) {
	data, closer, err := s.db.Get(proverInputKey(batchIdx))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prover input %d: %w", batchIdx, err)
	}
	defer closer.Close()

	var input ProverInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, rollerr.Wrap(rollerr.StorageCorruption, "storage.LoadProverInput", err)
	}
	return &input, nil
}

// SaveBatchIdx records the highest finalized batch index.
func (s *Store) SaveBatchIdx(batchIdx uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, batchIdx)
	return s.db.Set(metaKey("batch_idx"), buf, pebble.Sync)
}

// LoadBatchIdx returns the highest finalized batch index, or 0 if none.
func (s *Store) LoadBatchIdx() (uint64, error) {
	data, closer, err := s.db.Get(metaKey("batch_idx"))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(data), nil
}
