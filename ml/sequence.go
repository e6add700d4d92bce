package ml

import "fmt"

// SequenceSet holds variable-length sequences indexed [sequence][step][column].
// Features and Labels must have the same number of sequences and, per sequence,
// the same number of steps.
type SequenceSet struct {
	Features [][][]float64
	Labels   [][][]float64
}

func (s *SequenceSet) Len() int { return len(s.Features) }

// NumIn is the number of feature columns per step.
func (s *SequenceSet) NumIn() int { return columns(s.Features) }

// NumOut is the number of label columns per step.
func (s *SequenceSet) NumOut() int { return columns(s.Labels) }

func columns(seqs [][][]float64) int {
	for _, seq := range seqs {
		if len(seq) > 0 {
			return len(seq[0])
		}
	}
	return 0
}

// MaxSteps returns the length of the longest sequence.
func (s *SequenceSet) MaxSteps() int {
	longest := 0
	for _, seq := range s.Features {
		longest = max(longest, len(seq))
	}
	return longest
}

// Validate checks that features and labels line up and every step has the same width.
func (s *SequenceSet) Validate() error {
	if len(s.Features) != len(s.Labels) {
		return fmt.Errorf("sequence count mismatch: %d feature sequences, %d label sequences",
			len(s.Features), len(s.Labels))
	}
	if s.Len() == 0 {
		return fmt.Errorf("empty sequence set")
	}
	nIn, nOut := s.NumIn(), s.NumOut()
	if nIn == 0 || nOut == 0 {
		return fmt.Errorf("sequence set has no steps")
	}
	for i := range s.Features {
		if len(s.Features[i]) != len(s.Labels[i]) {
			return fmt.Errorf("sequence %d: %d feature steps, %d label steps",
				i, len(s.Features[i]), len(s.Labels[i]))
		}
		for t := range s.Features[i] {
			if len(s.Features[i][t]) != nIn {
				return fmt.Errorf("sequence %d step %d: expected %d features, got %d", i, t, nIn, len(s.Features[i][t]))
			}
			if len(s.Labels[i][t]) != nOut {
				return fmt.Errorf("sequence %d step %d: expected %d labels, got %d", i, t, nOut, len(s.Labels[i][t]))
			}
		}
	}
	return nil
}

// SequenceBatch is a time-major, right-padded mini-batch.
// X[t] is [size, nIn], Y[t] is [size, nOut], Mask[t][b] is 1 for real steps and 0 for padding.
// Buffers only grow; Steps() reports how many of them are in use.
type SequenceBatch struct {
	X, Y []*Matrix
	Mask [][]float64

	size, steps int
	nIn, nOut   int
}

func NewSequenceBatch(size, steps, nIn, nOut int) *SequenceBatch {
	b := &SequenceBatch{}
	b.reserve(size, steps, nIn, nOut)
	return b
}

func (b *SequenceBatch) Size() int  { return b.size }
func (b *SequenceBatch) Steps() int { return b.steps }

// ValidSteps counts unmasked (sample, step) pairs.
func (b *SequenceBatch) ValidSteps() float64 {
	total := 0.0
	for t := 0; t < b.steps; t++ {
		for _, m := range b.Mask[t] {
			total += m
		}
	}
	return total
}

func (b *SequenceBatch) reserve(size, steps, nIn, nOut int) {
	if size != b.size || nIn != b.nIn || nOut != b.nOut {
		b.X, b.Y, b.Mask = nil, nil, nil
	}
	b.size, b.nIn, b.nOut = size, nIn, nOut
	for len(b.X) < steps {
		b.X = append(b.X, NewMatrix(size, nIn))
		b.Y = append(b.Y, NewMatrix(size, nOut))
		b.Mask = append(b.Mask, make([]float64, size))
	}
	b.steps = steps
}

// BatchFromSet packs every sequence of the set into one batch.
func BatchFromSet(set *SequenceSet) *SequenceBatch {
	indices := NewIndexList(set.Len())
	dst := &SequenceBatch{}
	Gather(indices, set, dst)
	return dst
}

// Gather copies the selected sequences into dst, padding to the longest one.
// This gives each worker a contiguous batch without reshuffling the global set.
func Gather(batchIndices []int, set *SequenceSet, dst *SequenceBatch) {
	steps := 0
	for _, idx := range batchIndices {
		steps = max(steps, len(set.Features[idx]))
	}
	nIn, nOut := set.NumIn(), set.NumOut()
	dst.reserve(len(batchIndices), steps, nIn, nOut)

	for t := 0; t < steps; t++ {
		dst.X[t].Reset()
		dst.Y[t].Reset()
		mask := dst.Mask[t]
		for localRow, realIdx := range batchIndices {
			if t >= len(set.Features[realIdx]) {
				mask[localRow] = 0
				continue
			}
			mask[localRow] = 1
			copy(dst.X[t].Row(localRow), set.Features[realIdx][t])
			copy(dst.Y[t].Row(localRow), set.Labels[realIdx][t])
		}
	}
}
