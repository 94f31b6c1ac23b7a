// Package subscription implements the coin-state subscription service
// light wallets use to follow their coins without downloading every
// block. Each peer registers a bounded set of puzzle hashes and coin
// ids; as blocks commit, the service computes the delta of coin
// records touching each peer's set and hands it to a dispatch callback
// to push out over the wire.
//
// The per-peer subscription sets are held in memory. Each peer's
// coin-state update history is persisted over storage.DB under a
// reverse-height key with a peer-scoped prefix, so a peer's most recent
// activity can be replayed newest-first.
package subscription

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/klingnet-network/klingnet/internal/storage"
	"github.com/klingnet-network/klingnet/pkg/types"
)

// Config bounds how much state the service tracks per peer.
type Config struct {
	// MaxSubscribeItems is the combined puzzle-hash/coin-id subscription
	// cap for an ordinary peer.
	MaxSubscribeItems int
	// TrustedMaxSubscribeItems is the cap applied to peers the node
	// trusts (e.g. a co-located wallet), raised above the default.
	TrustedMaxSubscribeItems int
	// MaxSubscribeResponseItems bounds how many coin states an initial
	// registration returns before signalling overflow.
	MaxSubscribeResponseItems int
}

// DefaultConfig matches the conservative per-peer bounds a public relay
// would run with.
func DefaultConfig() Config {
	return Config{
		MaxSubscribeItems:         200_000,
		TrustedMaxSubscribeItems:  2_000_000,
		MaxSubscribeResponseItems: 100_000,
	}
}

// CoinState is the wire shape of one coin's state as reported to a
// subscriber: the record plus whether this update is its creation or
// its spend.
type CoinState struct {
	Coin        types.Coin `json:"coin"`
	SpentHeight uint32     `json:"spent_height"`
	CreatedAt   uint32     `json:"created_height"`
	Timestamp   uint64     `json:"timestamp"`
}

func stateFromRecord(rec types.CoinRecord) CoinState {
	return CoinState{
		Coin:        rec.Coin,
		SpentHeight: rec.SpentHeight,
		CreatedAt:   rec.ConfirmedHeight,
		Timestamp:   rec.Timestamp,
	}
}

// CoinStateUpdate is emitted to a peer whenever a committed block
// touches one of its subscribed puzzle hashes or coin ids.
type CoinStateUpdate struct {
	Height uint64      `json:"height"`
	Items  []CoinState `json:"items"`
}

// RegisterResult is returned from an initial registration call: the
// coin states known at registration time, plus whether the full result
// set was truncated to MaxSubscribeResponseItems.
type RegisterResult struct {
	States   []CoinState `json:"states"`
	Overflow bool        `json:"overflow"`
}

// PeerID identifies a subscriber. Kept as a plain string rather than
// importing a transport-specific peer type, so this package has no
// dependency on the p2p stack.
type PeerID string

// CoinSource is the subset of the chain the service reads from to
// answer initial registrations.
type CoinSource interface {
	GetCoinRecord(id types.Hash) (types.CoinRecord, bool)
	GetCoinRecordsByPuzzleHash(ph types.Hash, startHeight, endHeight uint32, includeSpent bool) ([]types.CoinRecord, error)
}

// peerSet is one peer's subscription state: bounded sets of puzzle
// hashes and coin ids, plus whether it gets the trusted item cap.
type peerSet struct {
	trusted     bool
	puzzleHashs map[types.Hash]struct{}
	coinIDs     map[types.Hash]struct{}
}

func newPeerSet(trusted bool) *peerSet {
	return &peerSet{
		trusted:     trusted,
		puzzleHashs: make(map[types.Hash]struct{}),
		coinIDs:     make(map[types.Hash]struct{}),
	}
}

func (p *peerSet) itemCount() int { return len(p.puzzleHashs) + len(p.coinIDs) }

// Dispatcher delivers a CoinStateUpdate to a connected peer. Wiring
// this to the p2p layer (or an RPC stream) is left to the caller.
// OnCoinChange ignores the returned error, so a failed dispatch never
// blocks the commit path that produced it.
type Dispatcher func(peerID PeerID, update CoinStateUpdate) error

// Service tracks subscription sets for every connected peer and turns
// committed-block coin deltas into per-peer CoinStateUpdate messages.
type Service struct {
	cfg    Config
	source CoinSource
	db     storage.DB

	mu    sync.Mutex
	peers map[PeerID]*peerSet

	dispatch Dispatcher
}

// New constructs a subscription service. db is used only to persist
// each peer's recent coin-state history (for replay after a dropped
// connection); the live subscription sets themselves are kept in
// memory, matching the teacher's pattern of an in-memory hot index
// backed by a durable log.
func New(cfg Config, source CoinSource, db storage.DB, dispatch Dispatcher) *Service {
	return &Service{
		cfg:      cfg,
		source:   source,
		db:       storage.NewPrefixDB(db, []byte("sub/")),
		peers:    make(map[PeerID]*peerSet),
		dispatch: dispatch,
	}
}

// maxItemsFor returns the subscription-item cap for a peer given its
// trust level.
func (s *Service) maxItemsFor(trusted bool) int {
	if trusted {
		return s.cfg.TrustedMaxSubscribeItems
	}
	return s.cfg.MaxSubscribeItems
}

// Disconnect drops a peer's subscription state. Its persisted history
// is left in place so a reconnecting peer under the same id can resume.
func (s *Service) Disconnect(peerID PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

// SubscribePuzzleHashes registers puzzle hashes for peerID and returns
// the coin states currently known for them, up to
// MaxSubscribeResponseItems. Hashes beyond the peer's item cap are
// silently dropped from the subscription set but do not fail the call;
// they do not set Overflow, which reports only truncation of the
// returned states.
func (s *Service) SubscribePuzzleHashes(peerID PeerID, trusted bool, hashes []types.Hash) (RegisterResult, error) {
	set := s.peerFor(peerID, trusted)

	s.mu.Lock()
	maxItems := s.maxItemsFor(trusted)
	accepted := make([]types.Hash, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := set.puzzleHashs[h]; ok {
			continue
		}
		if set.itemCount() >= maxItems {
			break
		}
		set.puzzleHashs[h] = struct{}{}
		accepted = append(accepted, h)
	}
	s.mu.Unlock()

	var states []CoinState
	for _, h := range accepted {
		recs, err := s.source.GetCoinRecordsByPuzzleHash(h, 0, 0, true)
		if err != nil {
			return RegisterResult{}, fmt.Errorf("lookup puzzle hash %s: %w", h, err)
		}
		for _, rec := range recs {
			states = append(states, stateFromRecord(rec))
		}
	}
	return s.boundResponse(states), nil
}

// SubscribeCoinIDs registers coin ids for peerID and returns their
// current states, up to MaxSubscribeResponseItems. Coin-id
// subscriptions are prioritised over puzzle-hash subscriptions when a
// caller needs to interleave both kinds under one response budget, per
// SubscribeBoth.
func (s *Service) SubscribeCoinIDs(peerID PeerID, trusted bool, ids []types.Hash) (RegisterResult, error) {
	set := s.peerFor(peerID, trusted)

	s.mu.Lock()
	maxItems := s.maxItemsFor(trusted)
	accepted := make([]types.Hash, 0, len(ids))
	for _, id := range ids {
		if _, ok := set.coinIDs[id]; ok {
			continue
		}
		if set.itemCount() >= maxItems {
			break
		}
		set.coinIDs[id] = struct{}{}
		accepted = append(accepted, id)
	}
	s.mu.Unlock()

	var states []CoinState
	for _, id := range accepted {
		rec, ok := s.source.GetCoinRecord(id)
		if !ok {
			continue
		}
		states = append(states, stateFromRecord(rec))
	}
	return s.boundResponse(states), nil
}

// SubscribeBoth registers both coin ids and puzzle hashes in one
// registration call, returning a single response that prioritises
// coin-id states when the combined result would overflow
// MaxSubscribeResponseItems.
func (s *Service) SubscribeBoth(peerID PeerID, trusted bool, coinIDs, puzzleHashes []types.Hash) (RegisterResult, error) {
	coinResult, err := s.SubscribeCoinIDs(peerID, trusted, coinIDs)
	if err != nil {
		return RegisterResult{}, err
	}
	remaining := s.cfg.MaxSubscribeResponseItems - len(coinResult.States)

	phResult, err := s.SubscribePuzzleHashes(peerID, trusted, puzzleHashes)
	if err != nil {
		return RegisterResult{}, err
	}
	if remaining <= 0 {
		return RegisterResult{States: coinResult.States, Overflow: true}, nil
	}
	overflow := coinResult.Overflow || phResult.Overflow
	combined := coinResult.States
	if len(phResult.States) > remaining {
		combined = append(combined, phResult.States[:remaining]...)
		overflow = true
	} else {
		combined = append(combined, phResult.States...)
	}
	return RegisterResult{States: combined, Overflow: overflow}, nil
}

func (s *Service) peerFor(peerID PeerID, trusted bool) *peerSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.peers[peerID]
	if !ok {
		set = newPeerSet(trusted)
		s.peers[peerID] = set
	} else if trusted && !set.trusted {
		set.trusted = true
	}
	return set
}

// boundResponse caps states to MaxSubscribeResponseItems, setting
// Overflow when truncation occurred. Deterministic ordering (by coin
// id) keeps repeated registrations of the same set reproducible for
// tests and pagination.
func (s *Service) boundResponse(states []CoinState) RegisterResult {
	sort.Slice(states, func(i, j int) bool {
		a, b := states[i].Coin.ID(), states[j].Coin.ID()
		return lessHash(a, b)
	})
	if len(states) <= s.cfg.MaxSubscribeResponseItems {
		return RegisterResult{States: states}
	}
	return RegisterResult{States: states[:s.cfg.MaxSubscribeResponseItems], Overflow: true}
}

func lessHash(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// OnCoinChange is wired as a chain.CoinChangeHandler: for every
// connected peer it computes the subset of added/spent coins touching
// that peer's subscription set, persists the delta, and dispatches a
// CoinStateUpdate. A dispatch error is ignored and the peer stays
// subscribed; it does not hold up other peers' updates. A peer whose
// update fails to persist is skipped for this block without dispatch.
func (s *Service) OnCoinChange(height uint64, addedCoins, spentCoins []types.CoinRecord) {
	s.mu.Lock()
	peerIDs := make([]PeerID, 0, len(s.peers))
	sets := make(map[PeerID]*peerSet, len(s.peers))
	for id, set := range s.peers {
		peerIDs = append(peerIDs, id)
		sets[id] = set
	}
	s.mu.Unlock()

	for _, peerID := range peerIDs {
		set := sets[peerID]
		var hits []CoinState
		for _, rec := range addedCoins {
			if s.touches(set, rec) {
				hits = append(hits, stateFromRecord(rec))
			}
		}
		for _, rec := range spentCoins {
			if s.touches(set, rec) {
				hits = append(hits, stateFromRecord(rec))
			}
		}
		if len(hits) == 0 {
			continue
		}
		update := CoinStateUpdate{Height: height, Items: hits}
		if err := s.persist(peerID, update); err != nil {
			continue
		}
		if s.dispatch != nil {
			_ = s.dispatch(peerID, update)
		}
	}
}

func (s *Service) touches(set *peerSet, rec types.CoinRecord) bool {
	if _, ok := set.coinIDs[rec.Coin.ID()]; ok {
		return true
	}
	_, ok := set.puzzleHashs[rec.Coin.PuzzleHash]
	return ok
}

// persist stores update under a reverse-height key scoped to peerID,
// the same reverse-height-for-newest-first idiom the wallet history
// index uses, so sorting a peer's keys ascending (as History does)
// replays its recent deltas newest first.
func (s *Service) persist(peerID PeerID, update CoinStateUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal coin state update: %w", err)
	}
	return s.db.Put(updateKey(peerID, update.Height), data)
}

// History returns a peer's persisted coin-state updates, newest first,
// up to limit entries.
func (s *Service) History(peerID PeerID, limit int) ([]CoinStateUpdate, error) {
	prefix := peerKeyPrefix(peerID)
	type kv struct {
		key   string
		value []byte
	}
	var all []kv
	err := s.db.ForEach(prefix, func(key, value []byte) error {
		v := make([]byte, len(value))
		copy(v, value)
		all = append(all, kv{key: string(key), value: v})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].key < all[j].key })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]CoinStateUpdate, 0, len(all))
	for _, e := range all {
		var u CoinStateUpdate
		if err := json.Unmarshal(e.value, &u); err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func peerKeyPrefix(peerID PeerID) []byte {
	return []byte(fmt.Sprintf("u/%s/", peerID))
}

// updateKey encodes the reverse height so that keys in ascending byte
// order put the newest update first.
func updateKey(peerID PeerID, height uint64) []byte {
	prefix := peerKeyPrefix(peerID)
	revHeight := ^height
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], revHeight)
	return append(prefix, buf[:]...)
}
