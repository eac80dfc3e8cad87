package wot

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

type recordedEvent struct {
	topic Topic
	old   any
	new   any
}

type recordingSink struct {
	events []recordedEvent
}

func (self *recordingSink) StoreChanged(topic Topic, old any, new any) {
	self.events = append(self.events, recordedEvent{topic: topic, old: old, new: new})
}

func TestTxCommitFlushesEvents(t *testing.T) {
	store := NewTrustGraphStore(nil)
	sink := &recordingSink{}
	store.AddSink(sink)

	a := NewId()
	b := NewId()

	tx := store.Begin()
	assert.Equal(t, nil, tx.PutIdentity(&Identity{Id: a}))
	assert.Equal(t, nil, tx.PutIdentity(&Identity{Id: b}))
	assert.Equal(t, nil, tx.PutTrust(&Trust{TrusterId: a, TrusteeId: b, Value: 50}))
	// nothing is visible to the sink before commit
	assert.Equal(t, 0, len(sink.events))
	assert.Equal(t, nil, tx.Commit())

	// events in mutation order
	assert.Equal(t, 3, len(sink.events))
	assert.Equal(t, TopicIdentities, sink.events[0].topic)
	assert.Equal(t, TopicIdentities, sink.events[1].topic)
	assert.Equal(t, TopicTrusts, sink.events[2].topic)
	assert.Equal(t, nil, sink.events[2].old)
	assert.Equal(t, 50, sink.events[2].new.(*Trust).Value)
}

func TestStoreMultipleSinks(t *testing.T) {
	store := NewTrustGraphStore(nil)
	sink1 := &recordingSink{}
	sink2 := &recordingSink{}
	store.AddSink(sink1)
	store.AddSink(sink2)

	tx := store.Begin()
	assert.Equal(t, nil, tx.PutIdentity(&Identity{Id: NewId()}))
	assert.Equal(t, nil, tx.Commit())
	assert.Equal(t, 1, len(sink1.events))
	assert.Equal(t, 1, len(sink2.events))

	store.RemoveSink(sink2)
	tx = store.Begin()
	assert.Equal(t, nil, tx.PutIdentity(&Identity{Id: NewId()}))
	assert.Equal(t, nil, tx.Commit())
	assert.Equal(t, 2, len(sink1.events))
	assert.Equal(t, 1, len(sink2.events))
}

func TestTxRollback(t *testing.T) {
	store := NewTrustGraphStore(nil)
	sink := &recordingSink{}
	store.AddSink(sink)

	a := NewId()
	b := NewId()

	tx := store.Begin()
	assert.Equal(t, nil, tx.PutIdentity(&Identity{Id: a}))
	assert.Equal(t, nil, tx.PutIdentity(&Identity{Id: b}))
	assert.Equal(t, nil, tx.PutTrust(&Trust{TrusterId: a, TrusteeId: b, Value: 50}))
	tx.PutScore(&Score{OwnerId: a, TrusteeId: b, Rank: 1, Capacity: 40, Value: 50})
	tx.Commit()

	// a mixed mutation, rolled back as a unit
	tx = store.Begin()
	assert.Equal(t, nil, tx.PutTrust(&Trust{TrusterId: a, TrusteeId: b, Value: -10}))
	tx.DeleteScore(a, b)
	assert.Equal(t, nil, tx.DeleteIdentity(b))
	tx.Rollback()

	tx = store.Begin()
	defer tx.Rollback()
	assert.NotEqual(t, tx.Identity(b), nil)
	assert.Equal(t, 50, tx.Trust(a, b).Value)
	assert.Equal(t, 40, tx.Score(a, b).Capacity)
	// the rolled back mutation raised no events
	assert.Equal(t, 4, len(sink.events))
}

// a persistent backend that accepts writes but fails on commit
type failingPersistStore struct {
}

func (self *failingPersistStore) Begin() (PersistentTx, error) {
	return &failingPersistTx{}, nil
}

func (self *failingPersistStore) LoadIdentities() ([]*Identity, error) {
	return nil, nil
}

func (self *failingPersistStore) LoadTrusts() ([]*Trust, error) {
	return nil, nil
}

func (self *failingPersistStore) Close() error {
	return nil
}

type failingPersistTx struct {
}

func (self *failingPersistTx) PutIdentity(identity *Identity) error {
	return nil
}

func (self *failingPersistTx) DeleteIdentity(id Id) error {
	return nil
}

func (self *failingPersistTx) PutTrust(trust *Trust) error {
	return nil
}

func (self *failingPersistTx) DeleteTrust(trusterId Id, trusteeId Id) error {
	return nil
}

func (self *failingPersistTx) Commit() error {
	return fmt.Errorf("backend unavailable")
}

func (self *failingPersistTx) Rollback() error {
	return nil
}

func TestTxPersistFailureRollsBackMemory(t *testing.T) {
	store := NewTrustGraphStore(&failingPersistStore{})
	sink := &recordingSink{}
	store.AddSink(sink)

	a := NewId()

	tx := store.Begin()
	assert.Equal(t, nil, tx.PutIdentity(&Identity{Id: a}))
	err := tx.Commit()
	assert.NotEqual(t, nil, err)

	// the in-memory state matches the durable state: nothing happened
	tx = store.Begin()
	defer tx.Rollback()
	assert.Equal(t, (*Identity)(nil), tx.Identity(a))
	assert.Equal(t, 0, len(sink.events))
}

func TestTxPutScoreKeepsIndexes(t *testing.T) {
	store := NewTrustGraphStore(nil)
	owner := NewId()
	b := NewId()
	c := NewId()

	tx := store.Begin()
	tx.PutScore(&Score{OwnerId: owner, TrusteeId: b, Rank: 1, Capacity: 40, Value: 10})
	tx.PutScore(&Score{OwnerId: owner, TrusteeId: c, Rank: 2, Capacity: 16, Value: 5})
	tx.Commit()

	tx = store.Begin()
	defer tx.Rollback()
	assert.Equal(t, 2, len(tx.OwnerScores(owner)))
	assert.Equal(t, 1, len(tx.TrusteeScores(b)))
	assert.Equal(t, 2, tx.OwnerScores(owner)[c].Rank)
}
