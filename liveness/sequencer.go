// Package liveness sequences challenges and judges head-pose gestures frame by frame.
package liveness

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/layer-3/ageverify/core"
)

const (
	DefaultSequenceLength = 5
	maxPerKind            = 2
)

// Alphabet is the set of kinds the sequencer draws from. look_down is only
// used when a caller asks for it explicitly.
var Alphabet = []core.ChallengeKind{
	core.ChallengeTurnLeft,
	core.ChallengeTurnRight,
	core.ChallengeLookUp,
	core.ChallengeNodYes,
	core.ChallengeShakeNo,
}

// Sequencer draws constrained random challenge sequences. Safe for concurrent use.
type Sequencer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSequencer returns a sequencer driven by src. A nil src seeds from crypto/rand.
func NewSequencer(src rand.Source) *Sequencer {
	if src == nil {
		var seed [32]byte
		if _, err := crand.Read(seed[:]); err != nil {
			// crypto/rand never fails on supported platforms
			binary.LittleEndian.PutUint64(seed[:], rand.Uint64())
		}
		src = rand.NewChaCha8(seed)
	}
	return &Sequencer{rng: rand.New(src)}
}

// Sequence returns n challenge kinds where no kind appears more than twice and
// no kind follows itself. When the constraints leave no candidate, the count
// limit is relaxed first, then any kind is allowed.
func (s *Sequencer) Sequence(n int) []core.ChallengeKind {
	if n <= 0 {
		n = DefaultSequenceLength
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := make([]core.ChallengeKind, 0, n)
	counts := make(map[core.ChallengeKind]int, len(Alphabet))
	candidates := make([]core.ChallengeKind, 0, len(Alphabet))

	for i := 0; i < n; i++ {
		var prev core.ChallengeKind
		if i > 0 {
			prev = seq[i-1]
		}

		candidates = candidates[:0]
		for _, k := range Alphabet {
			if counts[k] < maxPerKind && k != prev {
				candidates = append(candidates, k)
			}
		}
		if len(candidates) == 0 {
			for _, k := range Alphabet {
				if k != prev {
					candidates = append(candidates, k)
				}
			}
		}
		if len(candidates) == 0 {
			candidates = append(candidates, Alphabet...)
		}

		choice := candidates[s.rng.IntN(len(candidates))]
		seq = append(seq, choice)
		counts[choice]++
	}
	return seq
}

// Next draws a single challenge, used for penalties
func (s *Sequencer) Next() core.ChallengeKind {
	return s.Sequence(1)[0]
}

// Queue is the append-only challenge list of one session. Only a single
// penalty challenge may ever be appended.
type Queue struct {
	kinds   []core.ChallengeKind
	planned int
	penalty bool
}

func NewQueue(kinds []core.ChallengeKind) *Queue {
	return &Queue{kinds: slices.Clone(kinds), planned: len(kinds)}
}

func (q *Queue) Len() int {
	return len(q.kinds)
}

func (q *Queue) At(i int) core.ChallengeKind {
	return q.kinds[i]
}

// Planned is the length of the queue at session start
func (q *Queue) Planned() int {
	return q.planned
}

// AppendPenalty appends kind unless a penalty was already added
func (q *Queue) AppendPenalty(kind core.ChallengeKind) bool {
	if q.penalty {
		return false
	}
	q.kinds = append(q.kinds, kind)
	q.penalty = true
	return true
}

func (q *Queue) PenaltyAdded() bool {
	return q.penalty
}

func (q *Queue) Kinds() []core.ChallengeKind {
	return slices.Clone(q.kinds)
}
