package wot

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

type ScoreEngineSettings struct {
	// run the reference computation after every incremental update and
	// correct (and log) any divergence. Expensive, meant for tests and
	// debug deployments
	VerifyIncremental bool
	// localized propagation bails to a full recomputation if a rank would
	// leave the finite range
	MaxFiniteRank int
}

func DefaultScoreEngineSettings() *ScoreEngineSettings {
	return &ScoreEngineSettings{
		VerifyIncremental: false,
		MaxFiniteRank:     RankInfinite - 1,
	}
}

// Engine owns the score records: full reference computation, the
// incremental per-mutation update, and the fetch-eligibility side effects.
// All public operations are one all-or-nothing transaction each
type Engine struct {
	store         *TrustGraphStore
	fetchPipeline FetchPipeline

	settings *ScoreEngineSettings
}

func NewEngineWithDefaults(store *TrustGraphStore, fetchPipeline FetchPipeline) *Engine {
	return NewEngine(store, fetchPipeline, DefaultScoreEngineSettings())
}

func NewEngine(store *TrustGraphStore, fetchPipeline FetchPipeline, settings *ScoreEngineSettings) *Engine {
	return &Engine{
		store:         store,
		fetchPipeline: fetchPipeline,
		settings:      settings,
	}
}

func (self *Engine) Store() *TrustGraphStore {
	return self.store
}

// mutate wraps one public operation: begin, snapshot fetch eligibility,
// apply, diff eligibility, commit. Any error rolls the whole operation back,
// including nested score recomputation
func (self *Engine) mutate(do func(tx *Tx) error) error {
	tx := self.store.Begin()
	before := fetchEligibility(tx)
	if err := do(tx); err != nil {
		tx.Rollback()
		return err
	}
	self.diffFetchEligibility(tx, before)
	return tx.Commit()
}

// identities

func (self *Engine) CreateIdentity(id Id, nickname string) (*Identity, error) {
	var created *Identity
	err := self.mutate(func(tx *Tx) error {
		if tx.Identity(id) != nil {
			return ErrAlreadyExists
		}
		identity := &Identity{
			Id:         id,
			Nickname:   nickname,
			Properties: map[string]string{},
			FetchState: FetchStateNotFetched,
		}
		if err := tx.PutIdentity(identity); err != nil {
			return err
		}
		created = identity.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateOwnIdentity creates an identity the local instance holds signing
// capability for. Its self score (value self, rank 0, capacity 100) is
// established by the reference computation
func (self *Engine) CreateOwnIdentity(nickname string, publicKey []byte, insertKey string) (*Identity, error) {
	var created *Identity
	err := self.mutate(func(tx *Tx) error {
		id := IdFromPublicKey(publicKey)
		if tx.Identity(id) != nil {
			return ErrAlreadyExists
		}
		identity := &Identity{
			Id:                 id,
			Nickname:           nickname,
			Properties:         map[string]string{},
			PublishesTrustList: true,
			FetchState:         FetchStateNotFetched,
			Own:                true,
			InsertKey:          insertKey,
		}
		if err := tx.PutIdentity(identity); err != nil {
			return err
		}
		self.computeAllScores(tx)
		created = identity.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RestoreOwnIdentity upgrades a known identity to an own identity, or
// creates it in the restoring state. The identity stays fetch-eligible
// until its own trust list has been imported
func (self *Engine) RestoreOwnIdentity(publicKey []byte, insertKey string) (*Identity, error) {
	var restored *Identity
	err := self.mutate(func(tx *Tx) error {
		id := IdFromPublicKey(publicKey)
		identity := tx.Identity(id)
		if identity != nil && identity.Own {
			return ErrAlreadyExists
		}
		if identity == nil {
			identity = &Identity{
				Id:         id,
				Properties: map[string]string{},
				FetchState: FetchStateNotFetched,
			}
		} else {
			identity = identity.Clone()
		}
		identity.Own = true
		identity.InsertKey = insertKey
		identity.PublishesTrustList = true
		identity.Restoring = true
		if err := tx.PutIdentity(identity); err != nil {
			return err
		}
		self.computeAllScores(tx)
		restored = identity.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// DeleteIdentity removes the identity and cascades to its trust and score
// records. Destructive, so the trees are rebuilt with the reference
// computation
func (self *Engine) DeleteIdentity(id Id) error {
	return self.mutate(func(tx *Tx) error {
		identity := tx.Identity(id)
		if identity == nil {
			return ErrNotFound
		}
		for _, trust := range tx.GivenTrusts(id) {
			if err := tx.DeleteTrust(trust.TrusterId, trust.TrusteeId); err != nil {
				return err
			}
		}
		for _, trust := range tx.ReceivedTrusts(id) {
			if err := tx.DeleteTrust(trust.TrusterId, trust.TrusteeId); err != nil {
				return err
			}
		}
		for _, score := range tx.OwnerScores(id) {
			tx.DeleteScore(score.OwnerId, score.TrusteeId)
		}
		for _, score := range tx.TrusteeScores(id) {
			tx.DeleteScore(score.OwnerId, score.TrusteeId)
		}
		if err := tx.DeleteIdentity(id); err != nil {
			return err
		}
		self.computeAllScores(tx)
		return nil
	})
}

// trusts

func (self *Engine) SetTrust(trusterId Id, trusteeId Id, value int, comment string) error {
	if value < MinTrustValue || MaxTrustValue < value {
		return fmt.Errorf("%w: trust value out of range: %d", ErrInvalid, value)
	}
	if trusterId == trusteeId {
		return fmt.Errorf("%w: cannot set trust on self", ErrInvalid)
	}
	return self.mutate(func(tx *Tx) error {
		truster := tx.Identity(trusterId)
		if truster == nil {
			return ErrNotFound
		}
		if tx.Identity(trusteeId) == nil {
			return ErrNotFound
		}
		old := tx.Trust(trusterId, trusteeId)
		trust := &Trust{
			TrusterId: trusterId,
			TrusteeId: trusteeId,
			Value:     value,
			Comment:   comment,
			Edition:   truster.Edition,
		}
		if err := tx.PutTrust(trust); err != nil {
			return err
		}
		self.updateScoresAfterTrustChange(tx, nil, old, trust)
		return nil
	})
}

func (self *Engine) RemoveTrust(trusterId Id, trusteeId Id) error {
	return self.mutate(func(tx *Tx) error {
		old := tx.Trust(trusterId, trusteeId)
		if old == nil {
			return ErrNotFound
		}
		if err := tx.DeleteTrust(trusterId, trusteeId); err != nil {
			return err
		}
		self.updateScoresAfterTrustChange(tx, nil, old, nil)
		return nil
	})
}

// queries

func (self *Engine) GetIdentity(id Id) (*Identity, error) {
	tx := self.store.Begin()
	defer tx.Rollback()
	identity := tx.Identity(id)
	if identity == nil {
		return nil, ErrNotFound
	}
	return identity.Clone(), nil
}

// GetOwnIdentity returns the identity only if it is an own identity.
func (self *Engine) GetOwnIdentity(id Id) (*Identity, error) {
	tx := self.store.Begin()
	defer tx.Rollback()
	identity := tx.Identity(id)
	if identity == nil || !identity.Own {
		return nil, ErrNotFound
	}
	return identity.Clone(), nil
}

func (self *Engine) ListIdentities() []*Identity {
	tx := self.store.Begin()
	defer tx.Rollback()
	identities := []*Identity{}
	for _, identity := range tx.Identities() {
		identities = append(identities, identity.Clone())
	}
	return identities
}

func (self *Engine) GetTrust(trusterId Id, trusteeId Id) (*Trust, error) {
	tx := self.store.Begin()
	defer tx.Rollback()
	trust := tx.Trust(trusterId, trusteeId)
	if trust == nil {
		return nil, ErrNotFound
	}
	return trust.Clone(), nil
}

func (self *Engine) ListGivenTrusts(trusterId Id) []*Trust {
	tx := self.store.Begin()
	defer tx.Rollback()
	trusts := []*Trust{}
	for _, trust := range tx.GivenTrusts(trusterId) {
		trusts = append(trusts, trust.Clone())
	}
	return trusts
}

func (self *Engine) ListReceivedTrusts(trusteeId Id) []*Trust {
	tx := self.store.Begin()
	defer tx.Rollback()
	trusts := []*Trust{}
	for _, trust := range tx.ReceivedTrusts(trusteeId) {
		trusts = append(trusts, trust.Clone())
	}
	return trusts
}

func (self *Engine) GetScore(ownerId Id, trusteeId Id) (*Score, error) {
	tx := self.store.Begin()
	defer tx.Rollback()
	score := tx.Score(ownerId, trusteeId)
	if score == nil {
		return nil, ErrNotFound
	}
	return score.Clone(), nil
}

func (self *Engine) GetRank(ownerId Id, trusteeId Id) int {
	tx := self.store.Begin()
	defer tx.Rollback()
	score := tx.Score(ownerId, trusteeId)
	if score == nil {
		return RankNone
	}
	return score.Rank
}

func (self *Engine) ShouldFetch(id Id) (bool, error) {
	tx := self.store.Begin()
	defer tx.Rollback()
	identity := tx.Identity(id)
	if identity == nil {
		return false, ErrNotFound
	}
	return shouldFetch(tx, identity), nil
}

// full reference computation

// ComputeAllScores recomputes rank, capacity and value for every identity
// in every own identity's tree, corrects any stored score that disagrees,
// and creates/deletes score records as needed. Returns the number of
// corrections. Idempotent: a second run immediately after returns zero
func (self *Engine) ComputeAllScores() (int, error) {
	corrections := 0
	err := self.mutate(func(tx *Tx) error {
		corrections = self.computeAllScores(tx)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return corrections, nil
}

func (self *Engine) computeAllScores(tx *Tx) int {
	start := time.Now()
	corrections := 0

	targetScores := map[ScoreKey]*Score{}
	for _, owner := range tx.OwnIdentities() {
		ranks := computeRanks(tx, owner.Id, nil)
		capacityOf := func(id Id) int {
			rank, ok := ranks[id]
			if !ok {
				return 0
			}
			return CapacityForRank(rank)
		}
		for id, rank := range ranks {
			score := &Score{
				OwnerId:   owner.Id,
				TrusteeId: id,
				Rank:      rank,
				Capacity:  CapacityForRank(rank),
				Value:     computeValue(tx, owner.Id, id, capacityOf),
			}
			targetScores[score.Key()] = score
		}
	}

	for _, existing := range tx.Scores() {
		if _, ok := targetScores[existing.Key()]; !ok {
			tx.DeleteScore(existing.OwnerId, existing.TrusteeId)
			corrections += 1
		}
	}
	for key, target := range targetScores {
		existing := tx.Score(key.OwnerId, key.TrusteeId)
		if existing == nil {
			tx.PutScore(target)
			corrections += 1
		} else if !existing.Equals(target) {
			tx.PutScore(target)
			corrections += 1
		}
	}

	glog.V(1).Infof("[engine]compute all: corrections = %d (%.2fms)\n",
		corrections, float32(time.Now().Sub(start))/float32(time.Millisecond))
	return corrections
}

// verifyScores asserts the incremental invariant by running the reference
// computation. Divergence is an engine defect: it is logged and corrected,
// never silently tolerated
func (self *Engine) verifyScores(tx *Tx) {
	if corrections := self.computeAllScores(tx); 0 < corrections {
		glog.Infof("[engine]defect: incremental scores diverged from reference, corrections = %d\n", corrections)
	}
}

// computeRanks runs the forward breadth-first search of one owner's tree:
// rank 0 for the owner, shortest strictly-positive-trust distance otherwise.
// An identity reachable only through non-positive edges receives the
// infinite marker and hands no rank down. The owner's direct trust edges
// are authoritative and override any rank received through other paths.
// If until is non-nil the search stops once that identity is settled
func computeRanks(tx *Tx, ownerId Id, until *Id) map[Id]int {
	ranks := map[Id]int{ownerId: 0}
	// identities whose rank is fixed by the owner's direct opinion
	fixed := map[Id]bool{ownerId: true}
	queue := []Id{ownerId}

	for trusteeId, trust := range tx.GivenTrusts(ownerId) {
		if trusteeId == ownerId {
			continue
		}
		if 0 < trust.Value {
			ranks[trusteeId] = 1
			queue = append(queue, trusteeId)
		} else {
			ranks[trusteeId] = RankInfinite
		}
		fixed[trusteeId] = true
	}

	for i := 0; i < len(queue); i += 1 {
		u := queue[i]
		if until != nil && u == *until {
			break
		}
		r := ranks[u]
		if r == RankInfinite {
			continue
		}
		for trusteeId, trust := range tx.GivenTrusts(u) {
			if fixed[trusteeId] {
				continue
			}
			existing, has := ranks[trusteeId]
			if 0 < trust.Value {
				candidate := r + 1
				if !has || existing == RankInfinite || candidate < existing {
					ranks[trusteeId] = candidate
					queue = append(queue, trusteeId)
				}
			} else if !has {
				ranks[trusteeId] = RankInfinite
			}
		}
	}
	return ranks
}

// searchRank computes one identity's rank in one owner's tree with a
// uniform-cost search from the owner over unit-weight edges
func (self *Engine) searchRank(tx *Tx, ownerId Id, targetId Id) int {
	if targetId == ownerId {
		return 0
	}
	if direct := tx.Trust(ownerId, targetId); direct != nil {
		if 0 < direct.Value {
			return 1
		}
		return RankInfinite
	}
	ranks := computeRanks(tx, ownerId, &targetId)
	if rank, ok := ranks[targetId]; ok {
		return rank
	}
	return RankNone
}

// computeValue aggregates the received trust of one identity in one owner's
// tree: the reserved self value for the owner, the owner's direct trust
// value if one exists, otherwise the integer-truncated weighted sum of all
// received edges. Integer division truncates toward zero, also for
// negative sums
func computeValue(tx *Tx, ownerId Id, trusteeId Id, capacityOf func(Id) int) int {
	if trusteeId == ownerId {
		return ValueSelf
	}
	if direct := tx.Trust(ownerId, trusteeId); direct != nil {
		return direct.Value
	}
	value := 0
	for trusterId, trust := range tx.ReceivedTrusts(trusteeId) {
		if capacity := capacityOf(trusterId); 0 < capacity {
			value += trust.Value * capacity / 100
		}
	}
	return value
}

// storedCapacityOf reads capacities from the score records, for value
// recomputation after the rank and capacity phases have been applied
func storedCapacityOf(tx *Tx, ownerId Id) func(Id) int {
	return func(id Id) int {
		score := tx.Score(ownerId, id)
		if score == nil {
			return 0
		}
		return score.Capacity
	}
}
