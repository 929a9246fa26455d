package core

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"

	"viewbft/sign"
)

type voteBucket struct {
	votes     map[string]*Vote // map from voter to vote
	weight    uint64
	certified bool
}

type timeoutBucket struct {
	timeouts  map[string]*TimeoutMsg
	weight    uint64
	certified bool
}

// Tally accumulates partial signatures per (view, block hash) bucket
// and assembles the aggregate certificate exactly once when the
// committee quorum weight is reached. It applies the same discipline
// to timeout messages, keyed by view alone.
type Tally struct {
	mu sync.Mutex

	overlay  *Overlay
	pubPoly  *share.PubPoly
	quorum   int // count threshold of the (t, n) signature scheme
	total    int
	gcBelow  uint64
	votes    map[uint64]map[string]*voteBucket // map from view to block hash to bucket
	timeouts map[uint64]*timeoutBucket

	logger hclog.Logger
}

// NewTally builds a tally bound to the overlay's committees and the
// group public polynomial. quorum and total are the t and n of the
// threshold key generation.
func NewTally(overlay *Overlay, pubPoly *share.PubPoly, quorum, total int, logger hclog.Logger) *Tally {
	return &Tally{
		overlay:  overlay,
		pubPoly:  pubPoly,
		quorum:   quorum,
		total:    total,
		votes:    make(map[uint64]map[string]*voteBucket),
		timeouts: make(map[uint64]*timeoutBucket),
		logger:   logger,
	}
}

// AddVote folds one vote into its bucket. It returns a certificate
// exactly once, when the bucket first reaches the quorum weight.
// Duplicate votes are an idempotent no-op; votes arriving after the
// bucket certified are kept for bookkeeping without re-emitting.
func (t *Tally) AddVote(vote *Vote) (*QC, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if vote.View < t.gcBelow {
		return nil, fmt.Errorf("%w: view %d below horizon %d", ErrStaleVote, vote.View, t.gcBelow)
	}
	member, ok := t.overlay.MemberOf(vote.View, vote.Voter)
	if !ok {
		return nil, fmt.Errorf("%w: voter %s, view %d", ErrNotCommitteeMember, vote.Voter, vote.View)
	}
	if err := t.verifyPartial(vote.Voter, VoteDigest(vote.View, vote.BlockHash), vote.PartialSig); err != nil {
		return nil, err
	}

	buckets, ok := t.votes[vote.View]
	if !ok {
		buckets = make(map[string]*voteBucket)
		t.votes[vote.View] = buckets
	}
	key := hashAsString(vote.BlockHash)
	bucket, ok := buckets[key]
	if !ok {
		bucket = &voteBucket{votes: make(map[string]*Vote)}
		buckets[key] = bucket
	}
	if _, seen := bucket.votes[vote.Voter]; seen {
		return nil, nil
	}
	bucket.votes[vote.Voter] = vote
	bucket.weight += member.Weight
	if bucket.certified {
		return nil, nil
	}

	committee, err := t.overlay.Committee(vote.View)
	if err != nil {
		return nil, err
	}
	if bucket.weight < t.overlay.QuorumThreshold(committee) {
		return nil, nil
	}

	qc, err := t.assembleQC(vote.View, vote.BlockHash, bucket)
	if err != nil {
		return nil, err
	}
	bucket.certified = true
	return qc, nil
}

// verifyPartial checks a partial signature against the group
// polynomial AND binds it to the sender: the share index embedded in
// the signature must be the index assigned to the sender's name,
// otherwise one member could replay another member's partial and
// inflate the bucket weight with duplicate shares.
func (t *Tally) verifyPartial(sender string, digest, partialSig []byte) error {
	assigned, ok := t.overlay.ShareIndex(sender)
	if !ok {
		return fmt.Errorf("%w: %s holds no key share", ErrNotCommitteeMember, sender)
	}
	embedded, err := sign.PartialSigIndex(partialSig)
	if err != nil {
		return fmt.Errorf("%w: partial signature of %s: %v", ErrInvalidSignature, sender, err)
	}
	if embedded != assigned {
		return fmt.Errorf("%w: partial of %s carries share index %d, assigned %d",
			ErrInvalidSignature, sender, embedded, assigned)
	}
	if err := sign.VerifyTSPartial(t.pubPoly, digest, partialSig); err != nil {
		return fmt.Errorf("%w: partial signature of %s: %v", ErrInvalidSignature, sender, err)
	}
	return nil
}

func (t *Tally) assembleQC(view uint64, blockHash []byte, bucket *voteBucket) (*QC, error) {
	partialSigs := make([][]byte, 0, len(bucket.votes))
	voters := make([]string, 0, len(bucket.votes))
	for voter, vote := range bucket.votes {
		partialSigs = append(partialSigs, vote.PartialSig)
		voters = append(voters, voter)
	}
	digest := VoteDigest(view, blockHash)
	aggSig, err := sign.RecoverTS(t.pubPoly, digest, partialSigs, t.quorum, t.total)
	if err != nil {
		return nil, fmt.Errorf("%w: assemble aggregate: %v", ErrInvalidSignature, err)
	}
	if err := sign.VerifyTS(t.pubPoly, digest, aggSig); err != nil {
		return nil, fmt.Errorf("%w: assembled aggregate: %v", ErrInvalidSignature, err)
	}
	return &QC{View: view, BlockHash: blockHash, AggSig: aggSig, Voters: voters}, nil
}

// AddTimeout folds one abandoning-view message into its bucket,
// returning the timeout certificate exactly once at quorum.
func (t *Tally) AddTimeout(msg *TimeoutMsg) (*TimeoutCert, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.View < t.gcBelow {
		return nil, fmt.Errorf("%w: view %d below horizon %d", ErrStaleVote, msg.View, t.gcBelow)
	}
	member, ok := t.overlay.MemberOf(msg.View, msg.Sender)
	if !ok {
		return nil, fmt.Errorf("%w: sender %s, view %d", ErrNotCommitteeMember, msg.Sender, msg.View)
	}
	digest := TimeoutDigest(msg.View)
	if err := t.verifyPartial(msg.Sender, digest, msg.PartialSig); err != nil {
		return nil, err
	}
	// the carried certificate can end up riding the TC, so it must be
	// verified before the message contributes anything
	if err := t.VerifyQC(msg.HighQC); err != nil {
		return nil, err
	}

	bucket, ok := t.timeouts[msg.View]
	if !ok {
		bucket = &timeoutBucket{timeouts: make(map[string]*TimeoutMsg)}
		t.timeouts[msg.View] = bucket
	}
	if _, seen := bucket.timeouts[msg.Sender]; seen {
		return nil, nil
	}
	bucket.timeouts[msg.Sender] = msg
	bucket.weight += member.Weight
	if bucket.certified {
		return nil, nil
	}

	committee, err := t.overlay.Committee(msg.View)
	if err != nil {
		return nil, err
	}
	if bucket.weight < t.overlay.QuorumThreshold(committee) {
		return nil, nil
	}

	partialSigs := make([][]byte, 0, len(bucket.timeouts))
	voters := make([]string, 0, len(bucket.timeouts))
	highQC := GenesisQC()
	for voterName, timeout := range bucket.timeouts {
		partialSigs = append(partialSigs, timeout.PartialSig)
		voters = append(voters, voterName)
		if timeout.HighQC != nil && timeout.HighQC.View > highQC.View {
			highQC = timeout.HighQC
		}
	}
	aggSig, err := sign.RecoverTS(t.pubPoly, digest, partialSigs, t.quorum, t.total)
	if err != nil {
		return nil, fmt.Errorf("%w: assemble timeout aggregate: %v", ErrInvalidSignature, err)
	}
	if err := sign.VerifyTS(t.pubPoly, digest, aggSig); err != nil {
		return nil, fmt.Errorf("%w: assembled timeout aggregate: %v", ErrInvalidSignature, err)
	}
	bucket.certified = true
	return &TimeoutCert{View: msg.View, AggSig: aggSig, Voters: voters, HighQC: highQC}, nil
}

// VerifyQC checks a certificate received from a peer: quorum weight of
// declared contributors, all on the view's committee, and a valid
// aggregate over the vote digest. The genesis certificate passes
// without verification.
func (t *Tally) VerifyQC(qc *QC) error {
	if qc == nil {
		return fmt.Errorf("%w: nil certificate", ErrInvalidQC)
	}
	if qc.IsGenesis() {
		return nil
	}
	if err := t.verifyContributors(qc.View, qc.Voters); err != nil {
		return err
	}
	digest := VoteDigest(qc.View, qc.BlockHash)
	if err := sign.VerifyTS(t.pubPoly, digest, qc.AggSig); err != nil {
		return fmt.Errorf("%w: aggregate: %v", ErrInvalidQC, err)
	}
	return nil
}

// VerifyTC checks a timeout certificate, including the embedded
// highest certificate.
func (t *Tally) VerifyTC(tc *TimeoutCert) error {
	if tc == nil {
		return fmt.Errorf("%w: nil timeout certificate", ErrInvalidQC)
	}
	if err := t.verifyContributors(tc.View, tc.Voters); err != nil {
		return err
	}
	digest := TimeoutDigest(tc.View)
	if err := sign.VerifyTS(t.pubPoly, digest, tc.AggSig); err != nil {
		return fmt.Errorf("%w: timeout aggregate: %v", ErrInvalidQC, err)
	}
	return t.VerifyQC(tc.HighQC)
}

func (t *Tally) verifyContributors(view uint64, voters []string) error {
	committee, err := t.overlay.Committee(view)
	if err != nil {
		return err
	}
	var weight uint64
	seen := make(map[string]bool, len(voters))
	for _, voter := range voters {
		if seen[voter] {
			return fmt.Errorf("%w: duplicate contributor %s", ErrInvalidQC, voter)
		}
		seen[voter] = true
		member, ok := t.overlay.MemberOf(view, voter)
		if !ok {
			return fmt.Errorf("%w: contributor %s not on committee", ErrInvalidQC, voter)
		}
		weight += member.Weight
	}
	if weight < t.overlay.QuorumThreshold(committee) {
		return fmt.Errorf("%w: contributor weight %d below threshold", ErrInvalidQC, weight)
	}
	return nil
}

// GC drops all buckets for views below the given horizon to bound
// memory; votes for those views are rejected afterwards.
func (t *Tally) GC(below uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if below <= t.gcBelow {
		return
	}
	t.gcBelow = below
	for view := range t.votes {
		if view < below {
			delete(t.votes, view)
		}
	}
	for view := range t.timeouts {
		if view < below {
			delete(t.timeouts, view)
		}
	}
}
