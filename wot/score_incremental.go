package wot

import (
	"github.com/golang/glog"
)

// updateScoresAfterTrustChange runs once per trust mutation, inside the
// mutation's transaction. old and new are clones of the edge before and
// after, either may be nil for creation/removal.
//
// A change that stays strictly positive is patched with a localized forward
// propagation. Removal or a non-positive value is a topology-changing event
// and runs the three-phase surgical update. If the localized attempt hits a
// case it cannot patch safely, a full recomputation is scheduled instead
func (self *Engine) updateScoresAfterTrustChange(tx *Tx, batch *ImportBatch, old *Trust, new *Trust) {
	if new != nil && 0 < new.Value && (old == nil || 0 < old.Value) {
		if !self.propagateTrustForward(tx, old, new) {
			self.scheduleFullRecompute(tx, batch, "localized propagation abandoned")
			return
		}
	} else {
		self.updateScoresAfterDistrust(tx, old, new)
	}

	if self.settings.VerifyIncremental && batch == nil {
		self.verifyScores(tx)
	}
}

func (self *Engine) scheduleFullRecompute(tx *Tx, batch *ImportBatch, reason string) {
	if batch != nil {
		glog.V(1).Infof("[engine]full recompute flagged: %s\n", reason)
		batch.needsFull = true
		return
	}
	glog.V(1).Infof("[engine]full recompute: %s\n", reason)
	self.computeAllScores(tx)
}

// propagateTrustForward patches the trees after a non-weakening change:
// creation of a positive edge, or a value update that stays positive.
// Ranks can only improve, so the propagation is limited to the subtree
// reachable from the changed edge. Returns false if the patch would be
// unsafe and a full recomputation is needed instead
func (self *Engine) propagateTrustForward(tx *Tx, old *Trust, new *Trust) bool {
	for _, owner := range tx.OwnIdentities() {
		if !self.propagateTrustForwardForOwner(tx, owner.Id, old, new) {
			return false
		}
	}
	return true
}

func (self *Engine) propagateTrustForwardForOwner(tx *Tx, ownerId Id, old *Trust, new *Trust) bool {
	trusterRank := RankNone
	if new.TrusterId == ownerId {
		trusterRank = 0
	} else if trusterScore := tx.Score(ownerId, new.TrusterId); trusterScore != nil {
		trusterRank = trusterScore.Rank
	}

	valueIds := map[Id]bool{}

	if old != nil {
		// the edge sign did not change, so no rank changes anywhere.
		// only the trustee's aggregated value can differ
		if 0 < CapacityForRank(trusterRank) || new.TrusterId == ownerId {
			valueIds[new.TrusteeId] = true
		}
		self.recomputeValues(tx, ownerId, valueIds)
		return true
	}

	// a created positive edge can only improve ranks. walk the reachable
	// subtree, relaxing ranks breadth-first
	if trusterRank == RankNone || trusterRank == RankInfinite {
		// the truster hands no rank down and carries no capacity,
		// so nothing in this tree changes
		return true
	}
	if 0 < CapacityForRank(trusterRank) {
		valueIds[new.TrusteeId] = true
	}

	type rankProp struct {
		id        Id
		candidate int
	}
	capacityChanged := []Id{}
	queue := []rankProp{{id: new.TrusteeId, candidate: trusterRank + 1}}

	for i := 0; i < len(queue); i += 1 {
		x := queue[i].id
		candidate := queue[i].candidate
		if x == ownerId {
			continue
		}
		if candidate != RankInfinite && self.settings.MaxFiniteRank < candidate {
			// rank would leave the finite range
			return false
		}

		cur := RankNone
		curScore := tx.Score(ownerId, x)
		if curScore != nil {
			cur = curScore.Rank
		}

		if direct := tx.Trust(ownerId, x); direct != nil {
			// the owner's opinion is authoritative
			if 0 < direct.Value {
				candidate = 1
			} else {
				candidate = RankInfinite
			}
			if candidate == cur {
				continue
			}
		} else if cur != RankNone && cur != RankInfinite && cur <= candidate {
			// no improvement
			continue
		}

		oldCapacity := CapacityForRank(cur)
		newCapacity := CapacityForRank(candidate)
		if 0 < oldCapacity && newCapacity == 0 {
			// capacity dropping to zero is a topology change,
			// unsafe to patch locally
			return false
		}

		next := &Score{
			OwnerId:   ownerId,
			TrusteeId: x,
			Rank:      candidate,
			Capacity:  newCapacity,
		}
		if curScore != nil {
			next.Value = curScore.Value
		}
		tx.PutScore(next)
		valueIds[x] = true
		if oldCapacity != newCapacity {
			capacityChanged = append(capacityChanged, x)
		}

		if candidate != RankInfinite {
			for succId, trust := range tx.GivenTrusts(x) {
				if 0 < trust.Value {
					queue = append(queue, rankProp{id: succId, candidate: candidate + 1})
				} else if tx.Score(ownerId, succId) == nil {
					// a newly finite identity hands the infinite
					// marker to its distrusted, unranked targets
					queue = append(queue, rankProp{id: succId, candidate: RankInfinite})
				}
			}
		}
	}

	for _, c := range capacityChanged {
		for succId := range tx.GivenTrusts(c) {
			valueIds[succId] = true
		}
	}
	self.recomputeValues(tx, ownerId, valueIds)
	return true
}

// updateScoresAfterDistrust runs the three-phase surgical update after a
// weakening change: rank phase (uniform-cost search for the affected
// identity, flooded to its successors until no further rank changes),
// capacity phase (derived from the changed ranks), value phase (the
// affected identity plus everyone downstream of a changed capacity)
func (self *Engine) updateScoresAfterDistrust(tx *Tx, old *Trust, new *Trust) {
	edge := new
	if edge == nil {
		edge = old
	}

	for _, owner := range tx.OwnIdentities() {
		ownerId := owner.Id

		capacityChanged := []Id{}
		visited := map[Id]bool{}
		queue := []Id{edge.TrusteeId}

		valueIds := map[Id]bool{edge.TrusteeId: true}

		for i := 0; i < len(queue); i += 1 {
			x := queue[i]
			if x == ownerId || visited[x] {
				continue
			}
			visited[x] = true

			newRank := self.searchRank(tx, ownerId, x)
			cur := RankNone
			curScore := tx.Score(ownerId, x)
			if curScore != nil {
				cur = curScore.Rank
			}
			if newRank == cur {
				continue
			}

			oldCapacity := CapacityForRank(cur)
			newCapacity := CapacityForRank(newRank)
			if newRank == RankNone {
				tx.DeleteScore(ownerId, x)
			} else {
				next := &Score{
					OwnerId:   ownerId,
					TrusteeId: x,
					Rank:      newRank,
					Capacity:  newCapacity,
				}
				if curScore != nil {
					next.Value = curScore.Value
				}
				tx.PutScore(next)
				valueIds[x] = true
			}
			if oldCapacity != newCapacity {
				capacityChanged = append(capacityChanged, x)
			}

			// flood outward until no further rank changes occur
			for succId := range tx.GivenTrusts(x) {
				queue = append(queue, succId)
			}
		}

		for _, c := range capacityChanged {
			for succId := range tx.GivenTrusts(c) {
				valueIds[succId] = true
			}
		}
		self.recomputeValues(tx, ownerId, valueIds)
	}
}

// recomputeValues is the value phase: re-aggregate the value of each listed
// identity that still has a score record, using the already-updated
// capacities
func (self *Engine) recomputeValues(tx *Tx, ownerId Id, valueIds map[Id]bool) {
	capacityOf := storedCapacityOf(tx, ownerId)
	for id := range valueIds {
		if id == ownerId {
			continue
		}
		score := tx.Score(ownerId, id)
		if score == nil {
			continue
		}
		value := computeValue(tx, ownerId, id, capacityOf)
		if value != score.Value {
			next := score.Clone()
			next.Value = value
			tx.PutScore(next)
		}
	}
}
