package consensus

import "sync"

// jwkEpochState is the per-epoch set of active and pending-activation JWKs.
// It is dropped wholesale at reconfiguration: BeginEpoch on the owning
// Handler replaces it with a fresh instance rather than clearing it in
// place, so a background fetch racing the epoch boundary can never write
// into a torn-down epoch's state.
type jwkEpochState struct {
	mu                sync.Mutex
	active            map[JWKID]JWK
	pendingActivation map[JWKID]JWK
}

func newJWKEpochState() *jwkEpochState {
	return &jwkEpochState{
		active:            map[JWKID]JWK{},
		pendingActivation: map[JWKID]JWK{},
	}
}

// queuePending records j as activated by this round's processing, due to
// surface as an authenticator-state-update transaction at the start of next
// round. Returns false if j is already active or already queued, in which
// case the caller should drop the NewJWKFetched transaction as a duplicate.
func (s *jwkEpochState) queuePending(j JWK) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[j.ID]; ok {
		return false
	}
	if _, ok := s.pendingActivation[j.ID]; ok {
		return false
	}
	s.pendingActivation[j.ID] = j
	return true
}

// drainPending moves every pending JWK into the active set and returns the
// drained list, in preparation for emitting the authenticator-state-update
// synthetic transaction at the leader of the current round.
func (s *jwkEpochState) drainPending() []JWK {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingActivation) == 0 {
		return nil
	}
	out := make([]JWK, 0, len(s.pendingActivation))
	for id, j := range s.pendingActivation {
		s.active[id] = j
		out = append(out, j)
	}
	s.pendingActivation = map[JWKID]JWK{}
	return out
}

// discardPending drops every JWK queued for next-round activation without
// activating them. Called when the current round is the final round of the
// epoch: there is no next round in this epoch to activate them in, and
// providers are expected to re-submit them once the new epoch starts.
func (s *jwkEpochState) discardPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingActivation = map[JWKID]JWK{}
}
