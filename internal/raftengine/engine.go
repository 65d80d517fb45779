package raftengine

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/iotaledger/corestate/internal/consensus"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config controls Engine bootstrap. NodeID and BindAddr identify this
// validator within the Raft cluster that totally orders consensus commits;
// DataDir holds the Raft log, stable store, and snapshot directory,
// separate from the perpetual object store's own database.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Engine wraps a hashicorp/raft.Raft instance bound to an FSM that applies
// consensus commits in log order. It is the concrete substrate behind the
// "consensus engine" external collaborator of spec §6: this core does not
// define that engine's wire format, but something must durably and
// verifiably order the commits the handler consumes, and Raft is the
// teacher's own answer to that problem, adapted from cluster-command
// ordering to consensus-commit ordering.
type Engine struct {
	cfg  Config
	fsm  *FSM
	raft *raft.Raft
}

// New constructs an Engine whose FSM applies commits to handler. It does not
// start or join a cluster; call Bootstrap (first node) or Join (subsequent
// nodes) next.
func New(cfg Config, handler CommitApplier) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}
	return &Engine{cfg: cfg, fsm: NewFSM(handler)}, nil
}

func (e *Engine) newRaft() (*raft.Raft, error) {
	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(e.cfg.NodeID)

	// Tuned for LAN validator committees rather than WAN deployments: commit
	// latency directly bounds how fast this node folds new commits, so the
	// defaults (tuned conservatively for cross-region clusters) are too slow.
	conf.HeartbeatTimeout = 500 * time.Millisecond
	conf.ElectionTimeout = 500 * time.Millisecond
	conf.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", e.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(e.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(e.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(e.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(e.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(conf, e.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}
	return r, nil
}

// Bootstrap starts a new single-node committee with this validator as its
// only member. Additional validators join the committee out of band (e.g.
// via the reconfiguration process that produces the next epoch's committee
// list) and are added with AddVoter.
func (e *Engine) Bootstrap() error {
	r, err := e.newRaft()
	if err != nil {
		return err
	}
	e.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(e.cfg.NodeID), Address: raft.ServerAddress(e.cfg.BindAddr)}},
	})
	return future.Error()
}

// Join starts this validator's Raft node without bootstrapping a new
// committee; the existing leader is expected to AddVoter this node once it
// has joined the transport layer.
func (e *Engine) Join() error {
	r, err := e.newRaft()
	if err != nil {
		return err
	}
	e.raft = r
	return nil
}

// AddVoter adds a validator to the committee. Only meaningful when called
// against the current leader.
func (e *Engine) AddVoter(nodeID, addr string) error {
	future := e.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// Propose submits commit to the Raft log; it returns once the log entry is
// committed (replicated to a majority), which per Raft's own ordering
// guarantee is also the point at which it has been applied to this node's
// FSM in the same order every other committee member will apply it.
func (e *Engine) Propose(commit consensus.Commit) error {
	data, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("marshal consensus commit: %w", err)
	}
	future := e.raft.Apply(data, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return fmt.Errorf("fsm apply: %w", err)
	}
	return nil
}

// IsLeader reports whether this node currently holds leadership.
func (e *Engine) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's transport address, if known.
func (e *Engine) LeaderAddr() string {
	addr, _ := e.raft.LeaderWithID()
	return string(addr)
}

// Shutdown cleanly stops the Raft node. Per the design notes' cyclic-coupling
// rule, this must complete before a new epoch's handler/engine pair is
// constructed.
func (e *Engine) Shutdown() error {
	if e.raft == nil {
		return nil
	}
	return e.raft.Shutdown().Error()
}
