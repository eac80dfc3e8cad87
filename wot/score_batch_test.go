package wot

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestImportTrustList(t *testing.T) {
	engine := newTestEngine()
	ownerId := newTestOwner(t, engine, "owner")
	a := newTestIdentity(t, engine, "a")
	assert.Equal(t, nil, engine.SetTrust(ownerId, a, 100, ""))

	b := NewId()
	c := NewId()
	err := engine.ImportTrustList(a, &TrustList{
		Edition:  1,
		Nickname: "alice",
		Entries: []TrustListEntry{
			{TrusteeId: b, Nickname: "bob", Value: 60},
			{TrusteeId: c, Value: -10},
		},
	})
	assert.Equal(t, nil, err)

	// the truster's published state was applied
	truster, err := engine.GetIdentity(a)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(1), truster.Edition)
	assert.Equal(t, "alice", truster.Nickname)
	assert.Equal(t, FetchStateFetched, truster.FetchState)
	assert.Equal(t, true, truster.PublishesTrustList)

	// referenced identities were created on first reference
	identityB, err := engine.GetIdentity(b)
	assert.Equal(t, nil, err)
	assert.Equal(t, "bob", identityB.Nickname)
	assert.Equal(t, FetchStateNotFetched, identityB.FetchState)

	trustB, err := engine.GetTrust(a, b)
	assert.Equal(t, nil, err)
	assert.Equal(t, 60, trustB.Value)
	assert.Equal(t, uint64(1), trustB.Edition)

	assert.Equal(t, 2, requireScore(t, engine, ownerId, b).Rank)
	assert.Equal(t, 24, requireScore(t, engine, ownerId, b).Value)
	assert.Equal(t, RankInfinite, requireScore(t, engine, ownerId, c).Rank)

	// a newer edition that no longer confirms c removes the edge
	err = engine.ImportTrustList(a, &TrustList{
		Edition: 2,
		Entries: []TrustListEntry{
			{TrusteeId: b, Value: 60},
		},
	})
	assert.Equal(t, nil, err)

	_, err = engine.GetTrust(a, c)
	assert.Equal(t, ErrNotFound, err)
	_, err = engine.GetScore(ownerId, c)
	assert.Equal(t, ErrNotFound, err)
	// the identity itself stays
	_, err = engine.GetIdentity(c)
	assert.Equal(t, nil, err)

	corrections, err := engine.ComputeAllScores()
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, corrections)
}

func TestImportStaleEditionDiscarded(t *testing.T) {
	engine := newTestEngine()
	ownerId := newTestOwner(t, engine, "owner")
	a := newTestIdentity(t, engine, "a")
	assert.Equal(t, nil, engine.SetTrust(ownerId, a, 100, ""))

	b := NewId()
	err := engine.ImportTrustList(a, &TrustList{
		Edition: 5,
		Entries: []TrustListEntry{
			{TrusteeId: b, Value: 60},
		},
	})
	assert.Equal(t, nil, err)

	// an older edition is silently discarded
	err = engine.ImportTrustList(a, &TrustList{
		Edition: 3,
		Entries: []TrustListEntry{},
	})
	assert.Equal(t, nil, err)

	truster, err := engine.GetIdentity(a)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(5), truster.Edition)
	trustB, err := engine.GetTrust(a, b)
	assert.Equal(t, nil, err)
	assert.Equal(t, 60, trustB.Value)
}

func TestImportInvalidListMarksParsingFailed(t *testing.T) {
	engine := newTestEngine()
	a := newTestIdentity(t, engine, "a")

	// self edge
	err := engine.ImportTrustList(a, &TrustList{
		Edition: 1,
		Entries: []TrustListEntry{
			{TrusteeId: a, Value: 100},
		},
	})
	assert.NotEqual(t, nil, err)

	identity, err := engine.GetIdentity(a)
	assert.Equal(t, nil, err)
	assert.Equal(t, FetchStateParsingFailed, identity.FetchState)

	// duplicate trustee
	b := NewId()
	err = engine.ImportTrustList(a, &TrustList{
		Edition: 1,
		Entries: []TrustListEntry{
			{TrusteeId: b, Value: 10},
			{TrusteeId: b, Value: 20},
		},
	})
	assert.NotEqual(t, nil, err)

	// out of range value
	err = engine.ImportTrustList(a, &TrustList{
		Edition: 1,
		Entries: []TrustListEntry{
			{TrusteeId: b, Value: 101},
		},
	})
	assert.NotEqual(t, nil, err)

	// nothing was imported
	_, err = engine.GetIdentity(b)
	assert.Equal(t, ErrNotFound, err)
}

func TestImportBatchAbort(t *testing.T) {
	engine := newTestEngine()
	ownerId := newTestOwner(t, engine, "owner")
	b := newTestIdentity(t, engine, "b")

	batch := engine.BeginImport()
	assert.Equal(t, nil, batch.SetTrust(ownerId, b, 50, "", 0))
	batch.Abort()

	// the abort rolled everything since begin back
	_, err := engine.GetTrust(ownerId, b)
	assert.Equal(t, ErrNotFound, err)
	_, err = engine.GetScore(ownerId, b)
	assert.Equal(t, ErrNotFound, err)

	corrections, err := engine.ComputeAllScores()
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, corrections)
}

func TestImportRestoresOwnIdentity(t *testing.T) {
	engine := newTestEngine()
	identity, err := engine.RestoreOwnIdentity([]byte("pk-restored"), "insert-restored")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, identity.Restoring)

	// importing its own published list completes the restore
	b := NewId()
	err = engine.ImportTrustList(identity.Id, &TrustList{
		Edition:  7,
		Nickname: "me",
		Entries: []TrustListEntry{
			{TrusteeId: b, Value: 100},
		},
	})
	assert.Equal(t, nil, err)

	restored, err := engine.GetIdentity(identity.Id)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, restored.Restoring)
	assert.Equal(t, true, restored.Own)
	assert.Equal(t, 1, requireScore(t, engine, identity.Id, b).Rank)
}
