package wot

// FetchPipeline is the network collaborator that downloads published trust
// lists. The engine only decides eligibility; scheduling and wire formats
// live behind this interface.
type FetchPipeline interface {
	RequestFetch(id Id)
	CancelFetch(id Id)
	// force a re-fetch of the edition that was already seen. Used when an
	// identity's capacity rises from zero, because its previously parsed
	// trust list may have skipped then-ignored trustees
	RequestRefetchCurrentEdition(id Id)
}

// an identity is worth fetching iff it is own, or any of its scores has
// positive capacity, or any score has non-negative value
func shouldFetch(tx *Tx, identity *Identity) bool {
	if identity.Own {
		return true
	}
	for _, score := range tx.TrusteeScores(identity.Id) {
		if 0 < score.Capacity || 0 <= score.Value {
			return true
		}
	}
	return false
}

func bestCapacity(tx *Tx, id Id) int {
	best := 0
	for _, score := range tx.TrusteeScores(id) {
		if best < score.Capacity {
			best = score.Capacity
		}
	}
	return best
}

type fetchStatus struct {
	should   bool
	capacity int
	fetched  bool
}

func fetchEligibility(tx *Tx) map[Id]fetchStatus {
	eligibility := map[Id]fetchStatus{}
	for _, identity := range tx.Identities() {
		eligibility[identity.Id] = fetchStatus{
			should:   shouldFetch(tx, identity),
			capacity: bestCapacity(tx, identity.Id),
			fetched:  identity.FetchState == FetchStateFetched,
		}
	}
	return eligibility
}

// compares eligibility from before the mutation against the state after it,
// and defers the matching pipeline calls onto the transaction. The calls are
// issued only if the transaction commits
func (self *Engine) diffFetchEligibility(tx *Tx, before map[Id]fetchStatus) {
	if self.fetchPipeline == nil {
		return
	}
	pipeline := self.fetchPipeline

	after := fetchEligibility(tx)
	for id, b := range before {
		if _, exists := after[id]; !exists {
			// identity deleted
			if b.should {
				cancelId := id
				tx.deferFetchAction(func() {
					pipeline.CancelFetch(cancelId)
				})
			}
		}
	}
	for id, a := range after {
		b, had := before[id]
		switch {
		case !had:
			if a.should {
				fetchId := id
				tx.deferFetchAction(func() {
					pipeline.RequestFetch(fetchId)
				})
			}
		case !b.should && a.should, b.should && a.should && b.capacity == 0 && 0 < a.capacity:
			if b.capacity == 0 && 0 < a.capacity && b.fetched {
				refetchId := id
				tx.deferFetchAction(func() {
					pipeline.RequestRefetchCurrentEdition(refetchId)
				})
			} else if !b.should {
				fetchId := id
				tx.deferFetchAction(func() {
					pipeline.RequestFetch(fetchId)
				})
			}
		case b.should && !a.should:
			cancelId := id
			tx.deferFetchAction(func() {
				pipeline.CancelFetch(cancelId)
			})
		}
	}
}
