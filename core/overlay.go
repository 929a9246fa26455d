package core

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sort"
)

// Member is one identity entitled to vote, with its voting weight.
type Member struct {
	Name   string
	Weight uint64
}

// Overlay deterministically maps a view to its leader and committee.
// Every honest node holding the same seed and membership computes
// identical results; when membership is missing the overlay fails
// closed instead of guessing.
type Overlay struct {
	members       []Member // sorted by name, the canonical order
	seed          [32]byte
	committeeSize int
	epochLength   uint64
}

// NewOverlay builds an overlay from the weighted membership map.
// committeeSize <= 0 or >= len(members) selects the whole membership
// each epoch; epochLength 0 means a single never-rotating epoch.
func NewOverlay(weights map[string]uint64, seed [32]byte, committeeSize int, epochLength uint64) (*Overlay, error) {
	if len(weights) == 0 {
		return nil, ErrEmptyMembership
	}
	members := make([]Member, 0, len(weights))
	for name, weight := range weights {
		if weight == 0 {
			weight = 1
		}
		members = append(members, Member{Name: name, Weight: weight})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	if committeeSize <= 0 || committeeSize > len(members) {
		committeeSize = len(members)
	}
	return &Overlay{
		members:       members,
		seed:          seed,
		committeeSize: committeeSize,
		epochLength:   epochLength,
	}, nil
}

func (o *Overlay) epoch(view uint64) uint64 {
	if o.epochLength == 0 {
		return 0
	}
	return view / o.epochLength
}

func (o *Overlay) deriveSeed(domain string, value uint64) int64 {
	h := sha256.New()
	_, _ = h.Write(o.seed[:])
	_, _ = h.Write([]byte(domain))
	valueAsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(valueAsBytes, value)
	_, _ = h.Write(valueAsBytes)
	digest := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(digest[:8]))
}

// Committee returns the voting set for the view. Membership is
// epoch-scoped: a seeded shuffle of the canonical member order keyed
// by the epoch number, truncated to the committee size.
func (o *Overlay) Committee(view uint64) ([]Member, error) {
	if len(o.members) == 0 {
		return nil, ErrEmptyMembership
	}
	shuffled := make([]Member, len(o.members))
	copy(shuffled, o.members)
	rng := rand.New(rand.NewSource(o.deriveSeed("committee", o.epoch(view))))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:o.committeeSize], nil
}

// Leader returns the proposer of the view: a weighted pseudo-random
// draw over the view's committee, re-derived per view from the root
// seed.
func (o *Overlay) Leader(view uint64) (string, error) {
	committee, err := o.Committee(view)
	if err != nil {
		return "", err
	}
	var totalWeight uint64
	for _, member := range committee {
		totalWeight += member.Weight
	}
	if totalWeight == 0 {
		return "", ErrUnknownLeader
	}
	rng := rand.New(rand.NewSource(o.deriveSeed("leader", view)))
	draw := rng.Uint64() % totalWeight
	var cumulative uint64
	for _, member := range committee {
		cumulative += member.Weight
		if draw < cumulative {
			return member.Name, nil
		}
	}
	return "", ErrUnknownLeader
}

// QuorumThreshold returns the weight that must back a certificate for
// the given committee: ceil(2W/3) of the total committee weight.
func (o *Overlay) QuorumThreshold(committee []Member) uint64 {
	var totalWeight uint64
	for _, member := range committee {
		totalWeight += member.Weight
	}
	return (2*totalWeight + 2) / 3
}

// MemberOf reports whether name sits on the view's committee and with
// what weight.
func (o *Overlay) MemberOf(view uint64, name string) (Member, bool) {
	committee, err := o.Committee(view)
	if err != nil {
		return Member{}, false
	}
	for _, member := range committee {
		if member.Name == name {
			return member, true
		}
	}
	return Member{}, false
}

// ShareIndex returns the threshold key share index assigned to name:
// its position in the canonical sorted member order. Partial signatures
// whose embedded index disagrees with this are forged or replayed.
func (o *Overlay) ShareIndex(name string) (int, bool) {
	for i, member := range o.members {
		if member.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Size returns the total membership count, the n in the (t, n)
// threshold scheme.
func (o *Overlay) Size() int {
	return len(o.members)
}
