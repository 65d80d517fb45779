// Package raftengine supplies the ordering substrate the consensus handler
// folds into per-epoch state. It adapts the teacher's WarrenFSM shape
// (decode one log entry, apply it, support snapshot/restore) to carry
// consensus commits instead of cluster-management commands: each Raft log
// entry is one serialized consensus.Commit, applied in log order to a
// single consensus.Handler.
package raftengine

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/iotaledger/corestate/internal/consensus"
	"github.com/iotaledger/corestate/pkg/log"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

var logger = log.WithComponent("raftengine")

// CommitApplier is the narrow surface the FSM needs from the consensus
// handler: fold one already-ordered commit into per-epoch state.
type CommitApplier interface {
	HandleCommit(commit consensus.Commit) error
}

// FSM implements raft.FSM by deserializing each log entry as a
// consensus.Commit and handing it to the handler in strict log order --
// the ordering guarantee §5 requires ("within an epoch, consensus commits
// are strictly ordered by (round, sub_dag_index)").
//
// The FSM itself holds no cluster state beyond the applier reference: all
// durable state lives in the per-epoch store behind the handler, so
// Snapshot writes nothing and Restore discards the snapshot stream.
type FSM struct {
	mu      sync.Mutex
	handler CommitApplier
	log     zerolog.Logger
}

// NewFSM constructs an FSM that applies committed log entries to handler.
func NewFSM(handler CommitApplier) *FSM {
	return &FSM{handler: handler, log: logger}
}

// Apply decodes one committed Raft log entry as a consensus.Commit and
// folds it into the handler. It returns an error for a malformed log entry,
// which should never happen for entries this process itself proposed via
// Engine.Propose -- a decode failure is a programming error, logged and
// returned rather than panicking, since Raft itself does not distinguish
// FSM.Apply's return types -- and returns the handler's error, also logged,
// when HandleCommit fails.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var commit consensus.Commit
	if err := json.Unmarshal(entry.Data, &commit); err != nil {
		f.log.Error().Err(err).Uint64("raft_index", entry.Index).Msg("failed to decode consensus commit from raft log")
		return fmt.Errorf("decode consensus commit at raft index %d: %w", entry.Index, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.handler.HandleCommit(commit); err != nil {
		f.log.Error().Err(err).Uint64("round", commit.Round).Msg("handle commit failed")
		return err
	}
	return nil
}

// Snapshot returns a no-op FSMSnapshot: the handler's ExecutionIndices,
// running hash and congestion-deferred transactions are already durably
// persisted by the per-epoch store on every HandleCommit, so a Raft snapshot
// exists only to let the log store truncate. The handler's in-memory dedup
// LRU is not captured.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return emptySnapshot{}, nil
}

// Restore is a no-op: a freshly restored node recovers its progress marker
// from the object store itself (consensus.New reads LoadExecutionIndices),
// not from the Raft snapshot stream.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	_, err := io.Copy(io.Discard, rc)
	return err
}

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error {
	if err := sink.Close(); err != nil {
		sink.Cancel()
		return err
	}
	return nil
}

func (emptySnapshot) Release() {}
