package wot

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrInvalid           = errors.New("invalid")
)

type FetchState int

const (
	FetchStateNotFetched FetchState = iota
	FetchStateFetched
	FetchStateParsingFailed
)

func (self FetchState) String() string {
	switch self {
	case FetchStateNotFetched:
		return "not_fetched"
	case FetchStateFetched:
		return "fetched"
	case FetchStateParsingFailed:
		return "parsing_failed"
	default:
		return fmt.Sprintf("fetch_state(%d)", int(self))
	}
}

const (
	// rank sentinel for "no score record"
	RankNone = -1
	// rank sentinel for identities that are only reachable through
	// non-positive trust edges
	RankInfinite = math.MaxInt32

	// score value reserved for an own identity in its own tree
	ValueSelf = math.MaxInt32

	MinTrustValue = -100
	MaxTrustValue = 100
)

// capacity is a strictly decreasing step function of rank
var rankCapacities = []int{100, 40, 16, 6, 2, 1}

func CapacityForRank(rank int) int {
	if rank == RankNone || rank == RankInfinite {
		return 0
	}
	if rank < len(rankCapacities) {
		return rankCapacities[rank]
	}
	return rankCapacities[len(rankCapacities)-1]
}

type Identity struct {
	Id                 Id
	Edition            uint64
	Nickname           string
	Contexts           []string
	Properties         map[string]string
	PublishesTrustList bool
	FetchState         FetchState
	LastFetched        time.Time

	// set for identities the local instance holds signing capability for
	Own bool
	// signing material for own identities. key management is out of scope,
	// this is treated as an opaque string
	InsertKey string
	// an own identity being restored from the network is fetch-eligible
	// before any of its scores exist
	Restoring bool
}

func (self *Identity) Clone() *Identity {
	clone := *self
	clone.Contexts = slices.Clone(self.Contexts)
	clone.Properties = maps.Clone(self.Properties)
	return &clone
}

// comparable
type TrustKey struct {
	TrusterId Id
	TrusteeId Id
}

// a directed, signed opinion from one identity about another.
// unique per (truster, trustee)
type Trust struct {
	TrusterId Id
	TrusteeId Id
	// in [-100, 100]
	Value   int
	Comment string
	// the truster's trust-list edition at which this value was last confirmed
	Edition uint64
}

func (self *Trust) Key() TrustKey {
	return TrustKey{
		TrusterId: self.TrusterId,
		TrusteeId: self.TrusteeId,
	}
}

func (self *Trust) Clone() *Trust {
	clone := *self
	return &clone
}

// comparable
type ScoreKey struct {
	OwnerId   Id
	TrusteeId Id
}

// the materialized view of one tree owner's computed opinion of a trustee.
// a score record exists iff rank != RankNone.
// owned exclusively by the score engine
type Score struct {
	OwnerId   Id
	TrusteeId Id
	Value     int
	Rank      int
	Capacity  int
}

func (self *Score) Key() ScoreKey {
	return ScoreKey{
		OwnerId:   self.OwnerId,
		TrusteeId: self.TrusteeId,
	}
}

func (self *Score) Clone() *Score {
	clone := *self
	return &clone
}

func (self *Score) Equals(other *Score) bool {
	return *self == *other
}
