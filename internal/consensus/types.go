// Package consensus converts a stream of committed consensus sub-DAGs into
// deterministic per-epoch state transitions: indexing, dedup, JWK activation,
// congestion scheduling, and handoff to a downstream transaction scheduler.
package consensus

import (
	"github.com/iotaledger/corestate/internal/congestion"
	"github.com/iotaledger/corestate/internal/objectstore"
)

// AuthorityIndex identifies a committee member within a commit.
type AuthorityIndex uint32

// Kind classifies a consensus transaction.
type Kind int

const (
	KindUserTransaction Kind = iota
	KindCheckpointSignature
	KindEndOfPublish
	KindCapabilityNotification
	KindNewJWKFetched
	KindRandomnessDKG
	// KindAuthenticatorStateUpdate is synthetic: the handler itself emits it,
	// it never arrives from consensus.
	KindAuthenticatorStateUpdate
)

// JWKID names one JSON Web Key by its issuing provider and key ID.
type JWKID struct {
	Provider string
	KeyID    string
}

// JWK is one key fetched from an OIDC provider's JWKS endpoint.
type JWK struct {
	ID  JWKID
	Key []byte
}

// ConsensusTransaction is one entry of one block's ordered transaction list.
type ConsensusTransaction struct {
	Kind Kind
	// Key uniquely identifies this transaction for dedup purposes; for user
	// transactions this is the transaction digest, for other kinds a
	// deterministic derivation (e.g. provider+key ID for JWK fetches).
	Key            string
	Bytes          []byte
	AuthorityIndex AuthorityIndex

	// SharedObjects and GasBudget are populated for KindUserTransaction and
	// feed the congestion tracker; empty/zero for every other kind.
	SharedObjects []congestion.SharedObjectRef
	GasBudget     uint64

	// NewJWK is populated for KindNewJWKFetched.
	NewJWK *JWK

	// ActivatedJWKs is populated on the synthetic KindAuthenticatorStateUpdate
	// transaction the handler itself constructs.
	ActivatedJWKs []JWK
}

// Block is one authority's ordered transaction list within a commit.
type Block struct {
	AuthorityIndex AuthorityIndex
	Transactions   []ConsensusTransaction
}

// ReputationScore is one authority's updated reputation weight.
type ReputationScore struct {
	Authority AuthorityIndex
	Score     int64
}

// Commit is the input contract for HandleCommit: one consensus output.
type Commit struct {
	Round            uint64
	SubDagIndex      uint64
	TimestampMs      uint64
	Digest           string
	Blocks           []Block
	ReputationScores []ReputationScore

	// EndOfEpoch marks the final round of the current epoch. JWKs first seen
	// in this round are never queued for next-round activation, since there
	// is no next round in this epoch to activate them in.
	EndOfEpoch bool
}

// ExecutableTransaction is a consensus transaction that survived
// classification, dedup, and (for user transactions) congestion scheduling,
// and is now ready to hand to the transaction manager.
type ExecutableTransaction struct {
	ConsensusTransaction
	Indices   objectstore.ExecutionIndices
	StartTime uint64
}
