package consensus

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/iotaledger/corestate/internal/congestion"
	"github.com/iotaledger/corestate/internal/objectstore"
	"github.com/iotaledger/corestate/pkg/log"
	"github.com/iotaledger/corestate/pkg/metrics"

	"github.com/rs/zerolog"
)

// indexStore is the narrow perpetual-store surface the handler needs to
// persist and recover its progress marker, plus the congestion-deferred
// transactions carried forward across commits. A transaction the tracker
// defers is durably recorded here rather than only in the handler's
// in-memory state, so it is retried rather than lost if the process
// crashes before the round it was deferred to.
type indexStore interface {
	PersistExecutionIndices(indices objectstore.ExecutionIndices, runningHash uint64) error
	LoadExecutionIndices() (objectstore.ExecutionIndices, uint64, bool, error)
	PersistDeferredTransactions(futureRound uint64, records []objectstore.DeferredTransactionRecord) error
	LoadDeferredTransactions(futureRound uint64) ([]objectstore.DeferredTransactionRecord, error)
	DeleteDeferredTransactions(futureRound uint64) error
}

// Scheduler is the downstream transaction manager that Drain feeds. The
// handler's send on its bounded output channel blocks when the channel is
// full, which is the handler's only back-pressure point.
type Scheduler interface {
	Schedule(tx ExecutableTransaction) error
}

// Config controls dedup capacity and congestion-tracker policy; it mirrors
// the subset of pkg/config.Config the handler needs without importing it,
// the same leaf-package discipline pkg/config documents for itself.
type Config struct {
	CongestionMode                congestion.Mode
	AssignMinFreeExecutionSlot    bool
	MaxExecutionDurationPerCommit uint64
	ProcessedCacheCapacity        int
	PostConsensusChannelDepth     int
}

// Handler ingests consensus commits and produces executable transactions. It
// serializes commit ingestion for one epoch; BeginEpoch swaps in a fresh
// handler-local state for the next one.
type Handler struct {
	store  indexStore
	cfg    Config
	logger zerolog.Logger

	mu                 sync.Mutex
	lastIndices        objectstore.ExecutionIndices
	runningHash        uint64
	haveIndices        bool
	dedup              *dedupSet
	jwkState           *jwkEpochState
	previouslyDeferred map[congestion.TransactionDigest]uint64

	outCh chan ExecutableTransaction
}

// New constructs a Handler, recovering its last-persisted indices from
// store. Callers drain Transactions() into a transaction manager.
func New(store indexStore, cfg Config) (*Handler, error) {
	dedup, err := newDedupSet(cfg.ProcessedCacheCapacity)
	if err != nil {
		return nil, err
	}
	depth := cfg.PostConsensusChannelDepth
	if depth <= 0 {
		depth = 16
	}

	h := &Handler{
		store:              store,
		cfg:                cfg,
		logger:             log.WithComponent("consensus"),
		dedup:              dedup,
		jwkState:           newJWKEpochState(),
		previouslyDeferred: map[congestion.TransactionDigest]uint64{},
		outCh:              make(chan ExecutableTransaction, depth),
	}

	indices, hash, found, err := store.LoadExecutionIndices()
	if err != nil {
		return nil, err
	}
	if found {
		h.lastIndices = indices
		h.runningHash = hash
		h.haveIndices = true
	}
	return h, nil
}

// Transactions returns the channel of executable transactions ready for the
// transaction manager to consume. The handler never closes this channel.
func (h *Handler) Transactions() <-chan ExecutableTransaction {
	return h.outCh
}

// Drain forwards every transaction placed on the output channel to s and
// returns the first error s returns. Since the handler never closes the
// channel, Drain does not otherwise return. Callers that prefer a callback
// style over reading Transactions() directly can run this in its own
// goroutine.
func (h *Handler) Drain(s Scheduler) error {
	for tx := range h.outCh {
		if err := s.Schedule(tx); err != nil {
			return err
		}
	}
	return nil
}

// BeginEpoch replaces this epoch's deferral bookkeeping and JWK cache with
// fresh, empty state for the next epoch. The dedup LRU, the execution
// indices and the output channel are kept as they are.
func (h *Handler) BeginEpoch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jwkState = newJWKEpochState()
	h.previouslyDeferred = map[congestion.TransactionDigest]uint64{}
}

// HandleCommit runs the per-commit algorithm: replay guard, JWK activation,
// classification, dedup, congestion scheduling, and durable index
// advancement, then feeds every resulting executable transaction to the
// bounded output channel.
func (h *Handler) HandleCommit(commit Commit) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.haveIndices && commit.Round <= h.lastIndices.LastCommittedRound {
		metrics.ConsensusCommitsReplayedTotal.Inc()
		h.logger.Warn().
			Uint64("round", commit.Round).
			Uint64("last_committed_round", h.lastIndices.LastCommittedRound).
			Msg("dropping replayed consensus commit")
		return nil
	}

	h.dedup.resetCommit()

	accepted := make([]ConsensusTransaction, 0)

	// Congestion-deferred transactions durably carried forward to this
	// round: reinject them ahead of anything freshly arriving in commit, so
	// they get first claim on this round's execution slots the same way
	// they would have had the round they were originally deferred from.
	carriedOver, err := h.store.LoadDeferredTransactions(commit.Round)
	if err != nil {
		return err
	}
	for _, rec := range carriedOver {
		var tx ConsensusTransaction
		if err := json.Unmarshal(rec.Payload, &tx); err != nil {
			return err
		}
		h.previouslyDeferred[congestion.TransactionDigest(rec.Digest)] = rec.DeferredFromRound
		accepted = append(accepted, tx)
	}

	// Step 2: one-round-delayed JWK activation, at the leader of this round.
	if activated := h.jwkState.drainPending(); len(activated) > 0 {
		accepted = append(accepted, ConsensusTransaction{
			Kind:          KindAuthenticatorStateUpdate,
			Key:           "authenticator-state-update:" + commit.Digest,
			ActivatedJWKs: activated,
		})
	}

	// Step 3 (reputation/low-scoring state) is out of this core's scope; the
	// score vector is accepted on the wire but has no local effect here.

	// Step 4: enumerate every transaction in every block, classify, dedup.
	txIndex := h.lastIndices.TransactionIndex
	if !h.haveIndices || commit.Round != h.lastIndices.LastCommittedRound {
		txIndex = 0 // index 0 reserved for the synthetic commit-prologue transaction
	}

	for _, block := range commit.Blocks {
		for _, tx := range block.Transactions {
			if h.dedup.checkAndRecord(tx.Key) {
				metrics.ConsensusTransactionsDedupedTotal.Inc()
				continue
			}

			if tx.Kind == KindNewJWKFetched && tx.NewJWK != nil {
				if commit.EndOfEpoch {
					h.jwkState.discardPending()
					continue
				}
				if !h.jwkState.queuePending(*tx.NewJWK) {
					continue // already active or already queued this epoch
				}
			}

			accepted = append(accepted, tx)
		}
	}

	// Step 5: congestion scheduling for user transactions, deferral
	// bookkeeping carried forward to the next commit.
	tracker := congestion.New(h.cfg.CongestionMode, h.cfg.AssignMinFreeExecutionSlot, h.cfg.MaxExecutionDurationPerCommit, commit.Round, h.previouslyDeferred)

	executables := make([]ExecutableTransaction, 0, len(accepted))
	deferredByFutureRound := map[uint64][]objectstore.DeferredTransactionRecord{}
	hash := h.runningHash

	for _, tx := range accepted {
		txIndex++
		hash = nextHash(hash, tx.Bytes)
		indices := objectstore.ExecutionIndices{
			LastCommittedRound: commit.Round,
			SubDagIndex:        commit.SubDagIndex,
			TransactionIndex:   txIndex,
		}

		startTime := uint64(0)
		if tx.Kind == KindUserTransaction && len(tx.SharedObjects) > 0 {
			decision := tracker.TrySchedule(congestion.TransactionDigest(tx.Key), tx.SharedObjects, tx.GasBudget)
			if !decision.Scheduled {
				payload, err := json.Marshal(tx)
				if err != nil {
					return err
				}
				h.previouslyDeferred[congestion.TransactionDigest(tx.Key)] = decision.DeferralKey.DeferredFromRound
				deferredByFutureRound[decision.DeferralKey.FutureRound] = append(
					deferredByFutureRound[decision.DeferralKey.FutureRound],
					objectstore.DeferredTransactionRecord{
						Digest:            tx.Key,
						Payload:           payload,
						DeferredFromRound: decision.DeferralKey.DeferredFromRound,
					})
				continue
			}
			startTime = decision.StartTime
			tracker.BumpObjectExecutionSlots(tx.SharedObjects, startTime, estimatedDuration(h.cfg.CongestionMode, tx.GasBudget))
		}

		executables = append(executables, ExecutableTransaction{
			ConsensusTransaction: tx,
			Indices:              indices,
			StartTime:            startTime,
		})
	}

	// Durably persist this round's freshly-deferred transactions under the
	// round they're due to be retried at, and clear whatever this round
	// itself consumed from carriedOver -- the pair that makes deferral
	// survive a crash between now and the retry round.
	for futureRound, records := range deferredByFutureRound {
		if err := h.store.PersistDeferredTransactions(futureRound, records); err != nil {
			return err
		}
	}
	if len(carriedOver) > 0 {
		if err := h.store.DeleteDeferredTransactions(commit.Round); err != nil {
			return err
		}
	}

	finalIndices := objectstore.ExecutionIndices{
		LastCommittedRound: commit.Round,
		SubDagIndex:        commit.SubDagIndex,
		TransactionIndex:   txIndex,
	}

	// Step 5/6 crash safety: advance indices atomically, even for an empty
	// commit, so a restart never replays it.
	if err := h.store.PersistExecutionIndices(finalIndices, hash); err != nil {
		return err
	}
	h.lastIndices = finalIndices
	h.runningHash = hash
	h.haveIndices = true

	sort.Slice(executables, func(i, j int) bool { return executables[i].Indices.Less(executables[j].Indices) })

	metrics.ConsensusCommitsProcessedTotal.Inc()

	for _, ex := range executables {
		h.outCh <- ex
		metrics.ConsensusScheduleChannelDepth.Set(float64(len(h.outCh)))
	}
	return nil
}

// estimatedDuration mirrors congestion.Tracker's private cost model so the
// handler can recompute the duration it already used for scheduling when
// bumping execution slots, without the tracker needing to expose it on
// Decision.
func estimatedDuration(mode congestion.Mode, gasBudget uint64) uint64 {
	switch mode {
	case congestion.ModeTotalGasBudget:
		return gasBudget
	case congestion.ModeTotalTxCount:
		return 1
	default:
		return 0
	}
}
