package wot

import (
	"fmt"

	"github.com/sasha-s/go-deadlock"

	"golang.org/x/exp/maps"
)

// notification topics. every store mutation is reported to the change sink
// as one (topic, old, new) event, where a nil old means creation and a nil
// new means deletion
type Topic int

const (
	TopicIdentities Topic = iota
	TopicTrusts
	TopicScores
)

func (self Topic) String() string {
	switch self {
	case TopicIdentities:
		return "identities"
	case TopicTrusts:
		return "trusts"
	case TopicScores:
		return "scores"
	default:
		return fmt.Sprintf("topic(%d)", int(self))
	}
}

type storeEvent struct {
	topic Topic
	// cloned records, nil for creation/deletion
	old any
	new any
}

// receives (old, new) record events on commit, in mutation order
type ChangeSink interface {
	StoreChanged(topic Topic, old any, new any)
}

// durable backend for identity and trust records. scores are never
// persisted, they are recomputed from the trust graph at startup
type PersistentStore interface {
	Begin() (PersistentTx, error)
	LoadIdentities() ([]*Identity, error)
	LoadTrusts() ([]*Trust, error)
	Close() error
}

type PersistentTx interface {
	PutIdentity(identity *Identity) error
	DeleteIdentity(id Id) error
	PutTrust(trust *Trust) error
	DeleteTrust(trusterId Id, trusteeId Id) error
	Commit() error
	Rollback() error
}

// TrustGraphStore holds the identity, trust and score records under one
// mutex. All access goes through an explicit transaction so that every
// mutation is all-or-nothing and no reader observes a partial mutation.
//
// Lock-acquisition order, always respected to prevent deadlock:
// graph-store -> fetch-pipeline -> subscription-manager.
// The storage transaction is only ever used while holding the graph-store
// lock, so it cannot participate in a cycle.
type TrustGraphStore struct {
	mutex deadlock.Mutex

	identities map[Id]*Identity
	ownIds     map[Id]bool

	trusts map[TrustKey]*Trust
	// truster -> trustee -> trust
	givenTrusts map[Id]map[Id]*Trust
	// trustee -> truster -> trust
	receivedTrusts map[Id]map[Id]*Trust

	scores map[ScoreKey]*Score
	// owner -> trustee -> score
	ownerScores map[Id]map[Id]*Score
	// trustee -> owner -> score
	trusteeScores map[Id]map[Id]*Score

	sinks   CallbackList[ChangeSink]
	persist PersistentStore
}

func NewTrustGraphStore(persist PersistentStore) *TrustGraphStore {
	return &TrustGraphStore{
		identities:     map[Id]*Identity{},
		ownIds:         map[Id]bool{},
		trusts:         map[TrustKey]*Trust{},
		givenTrusts:    map[Id]map[Id]*Trust{},
		receivedTrusts: map[Id]map[Id]*Trust{},
		scores:         map[ScoreKey]*Score{},
		ownerScores:    map[Id]map[Id]*Score{},
		trusteeScores:  map[Id]map[Id]*Score{},
		persist:        persist,
	}
}

// sinks are attached after construction because the subscription manager
// needs the store to enumerate snapshots
func (self *TrustGraphStore) AddSink(sink ChangeSink) {
	self.sinks.Add(sink)
}

func (self *TrustGraphStore) RemoveSink(sink ChangeSink) {
	self.sinks.Remove(sink)
}

// Hydrate fills the store from the persistent backend without raising
// events. Used once at startup before the engine recomputes all scores.
func (self *TrustGraphStore) Hydrate() error {
	if self.persist == nil {
		return nil
	}
	identities, err := self.persist.LoadIdentities()
	if err != nil {
		return err
	}
	trusts, err := self.persist.LoadTrusts()
	if err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, identity := range identities {
		self.identities[identity.Id] = identity
		if identity.Own {
			self.ownIds[identity.Id] = true
		}
	}
	for _, trust := range trusts {
		self.indexTrust(trust)
	}
	return nil
}

func (self *TrustGraphStore) indexTrust(trust *Trust) {
	self.trusts[trust.Key()] = trust
	given, ok := self.givenTrusts[trust.TrusterId]
	if !ok {
		given = map[Id]*Trust{}
		self.givenTrusts[trust.TrusterId] = given
	}
	given[trust.TrusteeId] = trust
	received, ok := self.receivedTrusts[trust.TrusteeId]
	if !ok {
		received = map[Id]*Trust{}
		self.receivedTrusts[trust.TrusteeId] = received
	}
	received[trust.TrusterId] = trust
}

func (self *TrustGraphStore) unindexTrust(trust *Trust) {
	delete(self.trusts, trust.Key())
	if given, ok := self.givenTrusts[trust.TrusterId]; ok {
		delete(given, trust.TrusteeId)
		if len(given) == 0 {
			delete(self.givenTrusts, trust.TrusterId)
		}
	}
	if received, ok := self.receivedTrusts[trust.TrusteeId]; ok {
		delete(received, trust.TrusterId)
		if len(received) == 0 {
			delete(self.receivedTrusts, trust.TrusteeId)
		}
	}
}

func (self *TrustGraphStore) indexScore(score *Score) {
	self.scores[score.Key()] = score
	owner, ok := self.ownerScores[score.OwnerId]
	if !ok {
		owner = map[Id]*Score{}
		self.ownerScores[score.OwnerId] = owner
	}
	owner[score.TrusteeId] = score
	trustee, ok := self.trusteeScores[score.TrusteeId]
	if !ok {
		trustee = map[Id]*Score{}
		self.trusteeScores[score.TrusteeId] = trustee
	}
	trustee[score.OwnerId] = score
}

func (self *TrustGraphStore) unindexScore(score *Score) {
	delete(self.scores, score.Key())
	if owner, ok := self.ownerScores[score.OwnerId]; ok {
		delete(owner, score.TrusteeId)
		if len(owner) == 0 {
			delete(self.ownerScores, score.OwnerId)
		}
	}
	if trustee, ok := self.trusteeScores[score.TrusteeId]; ok {
		delete(trustee, score.OwnerId)
		if len(trustee) == 0 {
			delete(self.trusteeScores, score.TrusteeId)
		}
	}
}

// Tx is one all-or-nothing mutation of the graph. The graph-store lock is
// held for the whole transaction. Undo entries are applied in reverse on
// rollback. Events and fetch actions are flushed on commit only.
type Tx struct {
	store *TrustGraphStore

	undo   []func()
	events []storeEvent
	// deferred fetch-pipeline calls, flushed after a successful commit
	fetchActions []func()

	persistTx  PersistentTx
	persistErr error

	done bool
}

func (self *TrustGraphStore) Begin() *Tx {
	self.mutex.Lock()
	return &Tx{
		store: self,
	}
}

func (self *Tx) openPersist() PersistentTx {
	if self.store.persist == nil || self.persistErr != nil {
		return nil
	}
	if self.persistTx == nil {
		persistTx, err := self.store.persist.Begin()
		if err != nil {
			self.persistErr = err
			return nil
		}
		self.persistTx = persistTx
	}
	return self.persistTx
}

func (self *Tx) Commit() error {
	if self.done {
		panic("transaction already finished")
	}
	self.done = true

	if self.persistErr == nil && self.persistTx != nil {
		self.persistErr = self.persistTx.Commit()
	}
	if self.persistErr != nil {
		if self.persistTx != nil {
			self.persistTx.Rollback()
		}
		// roll the in-memory changes back as a unit
		for i := len(self.undo) - 1; 0 <= i; i -= 1 {
			self.undo[i]()
		}
		self.store.mutex.Unlock()
		return self.persistErr
	}

	fetchActions := self.fetchActions
	events := self.events
	sinks := self.store.sinks.Get()

	// fetch-pipeline then subscription-manager, per the lock order
	for _, action := range fetchActions {
		action()
	}
	for _, event := range events {
		for _, sink := range sinks {
			sink.StoreChanged(event.topic, event.old, event.new)
		}
	}

	self.store.mutex.Unlock()
	return nil
}

func (self *Tx) Rollback() {
	if self.done {
		return
	}
	self.done = true

	if self.persistTx != nil {
		self.persistTx.Rollback()
	}
	for i := len(self.undo) - 1; 0 <= i; i -= 1 {
		self.undo[i]()
	}
	self.store.mutex.Unlock()
}

func (self *Tx) event(topic Topic, old any, new any) {
	self.events = append(self.events, storeEvent{
		topic: topic,
		old:   old,
		new:   new,
	})
}

func (self *Tx) deferFetchAction(action func()) {
	self.fetchActions = append(self.fetchActions, action)
}

// identities

func (self *Tx) Identity(id Id) *Identity {
	return self.store.identities[id]
}

func (self *Tx) Identities() []*Identity {
	return maps.Values(self.store.identities)
}

func (self *Tx) OwnIdentities() []*Identity {
	ownIdentities := []*Identity{}
	for id := range self.store.ownIds {
		ownIdentities = append(ownIdentities, self.store.identities[id])
	}
	return ownIdentities
}

func (self *Tx) PutIdentity(identity *Identity) error {
	store := self.store
	old := store.identities[identity.Id]

	if persistTx := self.openPersist(); persistTx != nil {
		if err := persistTx.PutIdentity(identity); err != nil {
			self.persistErr = err
			return err
		}
	}

	store.identities[identity.Id] = identity
	if identity.Own {
		store.ownIds[identity.Id] = true
	} else {
		delete(store.ownIds, identity.Id)
	}

	self.undo = append(self.undo, func() {
		if old == nil {
			delete(store.identities, identity.Id)
			delete(store.ownIds, identity.Id)
		} else {
			store.identities[identity.Id] = old
			if old.Own {
				store.ownIds[identity.Id] = true
			} else {
				delete(store.ownIds, identity.Id)
			}
		}
	})

	var oldSnapshot any
	if old != nil {
		oldSnapshot = old.Clone()
	}
	self.event(TopicIdentities, oldSnapshot, identity.Clone())
	return nil
}

func (self *Tx) DeleteIdentity(id Id) error {
	store := self.store
	old := store.identities[id]
	if old == nil {
		return ErrNotFound
	}

	if persistTx := self.openPersist(); persistTx != nil {
		if err := persistTx.DeleteIdentity(id); err != nil {
			self.persistErr = err
			return err
		}
	}

	delete(store.identities, id)
	delete(store.ownIds, id)

	self.undo = append(self.undo, func() {
		store.identities[id] = old
		if old.Own {
			store.ownIds[id] = true
		}
	})

	self.event(TopicIdentities, old.Clone(), nil)
	return nil
}

// trusts

func (self *Tx) Trust(trusterId Id, trusteeId Id) *Trust {
	return self.store.trusts[TrustKey{TrusterId: trusterId, TrusteeId: trusteeId}]
}

func (self *Tx) Trusts() []*Trust {
	return maps.Values(self.store.trusts)
}

func (self *Tx) GivenTrusts(trusterId Id) map[Id]*Trust {
	return self.store.givenTrusts[trusterId]
}

func (self *Tx) ReceivedTrusts(trusteeId Id) map[Id]*Trust {
	return self.store.receivedTrusts[trusteeId]
}

func (self *Tx) PutTrust(trust *Trust) error {
	store := self.store
	old := store.trusts[trust.Key()]

	if persistTx := self.openPersist(); persistTx != nil {
		if err := persistTx.PutTrust(trust); err != nil {
			self.persistErr = err
			return err
		}
	}

	if old != nil {
		store.unindexTrust(old)
	}
	store.indexTrust(trust)

	self.undo = append(self.undo, func() {
		store.unindexTrust(trust)
		if old != nil {
			store.indexTrust(old)
		}
	})

	var oldSnapshot any
	if old != nil {
		oldSnapshot = old.Clone()
	}
	self.event(TopicTrusts, oldSnapshot, trust.Clone())
	return nil
}

func (self *Tx) DeleteTrust(trusterId Id, trusteeId Id) error {
	store := self.store
	old := store.trusts[TrustKey{TrusterId: trusterId, TrusteeId: trusteeId}]
	if old == nil {
		return ErrNotFound
	}

	if persistTx := self.openPersist(); persistTx != nil {
		if err := persistTx.DeleteTrust(trusterId, trusteeId); err != nil {
			self.persistErr = err
			return err
		}
	}

	store.unindexTrust(old)

	self.undo = append(self.undo, func() {
		store.indexTrust(old)
	})

	self.event(TopicTrusts, old.Clone(), nil)
	return nil
}

// scores. mutated exclusively by the score engine

func (self *Tx) Score(ownerId Id, trusteeId Id) *Score {
	return self.store.scores[ScoreKey{OwnerId: ownerId, TrusteeId: trusteeId}]
}

func (self *Tx) Scores() []*Score {
	return maps.Values(self.store.scores)
}

func (self *Tx) OwnerScores(ownerId Id) map[Id]*Score {
	return self.store.ownerScores[ownerId]
}

func (self *Tx) TrusteeScores(trusteeId Id) map[Id]*Score {
	return self.store.trusteeScores[trusteeId]
}

func (self *Tx) PutScore(score *Score) {
	store := self.store
	old := store.scores[score.Key()]

	if old != nil {
		store.unindexScore(old)
	}
	store.indexScore(score)

	self.undo = append(self.undo, func() {
		store.unindexScore(score)
		if old != nil {
			store.indexScore(old)
		}
	})

	var oldSnapshot any
	if old != nil {
		oldSnapshot = old.Clone()
	}
	self.event(TopicScores, oldSnapshot, score.Clone())
}

func (self *Tx) DeleteScore(ownerId Id, trusteeId Id) {
	store := self.store
	old := store.scores[ScoreKey{OwnerId: ownerId, TrusteeId: trusteeId}]
	if old == nil {
		return
	}

	store.unindexScore(old)

	self.undo = append(self.undo, func() {
		store.indexScore(old)
	})

	self.event(TopicScores, old.Clone(), nil)
}
