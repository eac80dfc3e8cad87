package wot

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// ImportBatch groups the many mutations of one trust-list import under an
// explicit begin/finish/abort contract. The batch context is threaded
// through the engine's mutation API, so two logical batches can never
// silently interleave.
//
// Begin checkpoints state (the open transaction). Abort rolls back
// everything since begin and forces a full recomputation. Finish runs a
// full recomputation only if an operation inside the batch flagged one,
// otherwise it merely asserts the incremental invariant held
type ImportBatch struct {
	engine *Engine
	tx     *Tx
	before map[Id]fetchStatus

	needsFull bool
	done      bool
}

func (self *Engine) BeginImport() *ImportBatch {
	tx := self.store.Begin()
	glog.V(1).Infof("[engine]import batch begin\n")
	return &ImportBatch{
		engine: self,
		tx:     tx,
		before: fetchEligibility(tx),
	}
}

func (self *ImportBatch) SetTrust(trusterId Id, trusteeId Id, value int, comment string, edition uint64) error {
	if value < MinTrustValue || MaxTrustValue < value {
		return fmt.Errorf("%w: trust value out of range: %d", ErrInvalid, value)
	}
	old := self.tx.Trust(trusterId, trusteeId)
	trust := &Trust{
		TrusterId: trusterId,
		TrusteeId: trusteeId,
		Value:     value,
		Comment:   comment,
		Edition:   edition,
	}
	if err := self.tx.PutTrust(trust); err != nil {
		return err
	}
	if old == nil || old.Value != trust.Value {
		self.engine.updateScoresAfterTrustChange(self.tx, self, old, trust)
	}
	return nil
}

func (self *ImportBatch) RemoveTrust(trusterId Id, trusteeId Id) error {
	old := self.tx.Trust(trusterId, trusteeId)
	if old == nil {
		return ErrNotFound
	}
	if err := self.tx.DeleteTrust(trusterId, trusteeId); err != nil {
		return err
	}
	self.engine.updateScoresAfterTrustChange(self.tx, self, old, nil)
	return nil
}

func (self *ImportBatch) Finish() error {
	if self.done {
		panic("import batch already finished")
	}
	self.done = true

	if self.needsFull {
		glog.V(1).Infof("[engine]import batch finish, full recompute\n")
		self.engine.computeAllScores(self.tx)
	} else {
		glog.V(1).Infof("[engine]import batch finish\n")
		if self.engine.settings.VerifyIncremental {
			self.engine.verifyScores(self.tx)
		}
	}
	self.engine.diffFetchEligibility(self.tx, self.before)
	return self.tx.Commit()
}

func (self *ImportBatch) Abort() {
	if self.done {
		return
	}
	self.done = true

	glog.V(1).Infof("[engine]import batch abort\n")
	self.tx.Rollback()

	// the rollback restored the checkpoint. Rebuild from the reference
	// computation anyway so a defect in the undo path cannot linger
	self.engine.mutate(func(tx *Tx) error {
		self.engine.computeAllScores(tx)
		return nil
	})
}

// discard rolls back without forcing a recomputation. Used for stale
// imports that made no changes
func (self *ImportBatch) discard() {
	if self.done {
		return
	}
	self.done = true
	self.tx.Rollback()
}

// a parsed published trust list, handed to the engine by the fetch pipeline
type TrustList struct {
	Edition    uint64
	Nickname   string
	Contexts   []string
	Properties map[string]string
	Entries    []TrustListEntry
}

type TrustListEntry struct {
	TrusteeId Id
	Nickname  string
	Value     int
	Comment   string
}

// ImportTrustList applies one fetched document: updates the truster's
// published state, creates referenced identities on first reference,
// upserts the listed trust edges and removes edges absent from the list.
// The whole import is one batch
func (self *Engine) ImportTrustList(trusterId Id, list *TrustList) error {
	for _, entry := range list.Entries {
		if entry.TrusteeId == trusterId {
			return self.failImport(trusterId, fmt.Errorf("%w: trust list contains a self edge", ErrInvalid))
		}
		if entry.Value < MinTrustValue || MaxTrustValue < entry.Value {
			return self.failImport(trusterId, fmt.Errorf("%w: trust value out of range: %d", ErrInvalid, entry.Value))
		}
	}
	seen := map[Id]bool{}
	for _, entry := range list.Entries {
		if seen[entry.TrusteeId] {
			return self.failImport(trusterId, fmt.Errorf("%w: duplicate trustee %s", ErrInvalid, entry.TrusteeId))
		}
		seen[entry.TrusteeId] = true
	}

	batch := self.BeginImport()
	tx := batch.tx

	truster := tx.Identity(trusterId)
	if truster == nil {
		batch.discard()
		return ErrNotFound
	}
	if list.Edition < truster.Edition {
		// an older edition than what was already imported
		batch.discard()
		return nil
	}

	next := truster.Clone()
	next.Edition = list.Edition
	next.FetchState = FetchStateFetched
	next.LastFetched = time.Now()
	next.PublishesTrustList = true
	if list.Nickname != "" {
		next.Nickname = list.Nickname
	}
	if list.Contexts != nil {
		next.Contexts = list.Contexts
	}
	if list.Properties != nil {
		next.Properties = list.Properties
	}
	if next.Own {
		// a restored own identity is fully recovered once its own
		// published list has been imported
		next.Restoring = false
	}
	if err := tx.PutIdentity(next); err != nil {
		batch.Abort()
		return err
	}

	for _, entry := range list.Entries {
		if tx.Identity(entry.TrusteeId) == nil {
			identity := &Identity{
				Id:         entry.TrusteeId,
				Nickname:   entry.Nickname,
				Properties: map[string]string{},
				FetchState: FetchStateNotFetched,
			}
			if err := tx.PutIdentity(identity); err != nil {
				batch.Abort()
				return err
			}
		}
		if err := batch.SetTrust(trusterId, entry.TrusteeId, entry.Value, entry.Comment, list.Edition); err != nil {
			batch.Abort()
			return err
		}
	}

	// edges the new list no longer confirms are removed
	removed := []*Trust{}
	for _, trust := range tx.GivenTrusts(trusterId) {
		if !seen[trust.TrusteeId] {
			removed = append(removed, trust)
		}
	}
	for _, trust := range removed {
		if err := batch.RemoveTrust(trust.TrusterId, trust.TrusteeId); err != nil {
			batch.Abort()
			return err
		}
	}

	return batch.Finish()
}

// ImportFailed records that the fetched document could not be parsed
func (self *Engine) ImportFailed(trusterId Id) error {
	return self.mutate(func(tx *Tx) error {
		truster := tx.Identity(trusterId)
		if truster == nil {
			return ErrNotFound
		}
		next := truster.Clone()
		next.FetchState = FetchStateParsingFailed
		next.LastFetched = time.Now()
		return tx.PutIdentity(next)
	})
}

func (self *Engine) failImport(trusterId Id, cause error) error {
	if err := self.ImportFailed(trusterId); err != nil {
		return err
	}
	return cause
}
