package chunkdist

import (
	"math"
	"math/big"
)

// sumPrec holds any sum of float64 values exactly: the float64 range
// spans 2098 bits, the rest is carry headroom.
const sumPrec = 2200

// Fields holds the named values of a partial or aggregated result.
// Counters and Sums add on merge, Sequences concatenate in merge order.
//
// Sums is the float64 view of exact running totals, so merge order never
// changes it. Update it through Sum and Merge only.
type Fields struct {
	Counters  map[string]int64     `json:"counters,omitempty"`
	Sums      map[string]float64   `json:"sums,omitempty"`
	Sequences map[string][]float64 `json:"sequences,omitempty"`

	exact map[string]*exactSum
}

// exactSum is a float64 total without rounding error. Non-finite inputs
// are kept apart; their float addition is already order independent.
type exactSum struct {
	finite     big.Float
	nonFinite  float64
	hasSpecial bool
}

func newExactSum(v float64) *exactSum {
	s := &exactSum{}
	s.finite.SetPrec(sumPrec)
	s.add(v)
	return s
}

func (s *exactSum) add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		s.nonFinite += v
		s.hasSpecial = true
		return
	}
	var x big.Float
	x.SetFloat64(v)
	s.finite.Add(&s.finite, &x)
}

func (s *exactSum) addSum(o *exactSum) {
	s.finite.Add(&s.finite, &o.finite)
	if o.hasSpecial {
		s.nonFinite += o.nonFinite
		s.hasSpecial = true
	}
}

func (s *exactSum) float64() float64 {
	if s.hasSpecial {
		return s.nonFinite
	}
	v, _ := s.finite.Float64()
	return v
}

// NewFields returns Fields with all maps allocated
func NewFields() Fields {
	return Fields{
		Counters:  make(map[string]int64),
		Sums:      make(map[string]float64),
		Sequences: make(map[string][]float64),
	}
}

// Count adds n to a counter
func (f *Fields) Count(name string, n int64) {
	if f.Counters == nil {
		f.Counters = make(map[string]int64)
	}
	f.Counters[name] += n
}

// accumulator returns the exact total behind Sums[name], seeding it from
// a Sums value set without Sum (decoded JSON, literals)
func (f *Fields) accumulator(name string) *exactSum {
	if f.Sums == nil {
		f.Sums = make(map[string]float64)
	}
	if f.exact == nil {
		f.exact = make(map[string]*exactSum)
	}

	s, ok := f.exact[name]
	if !ok {
		s = newExactSum(f.Sums[name])
		f.exact[name] = s
	}
	return s
}

// Sum adds v to a float accumulator
func (f *Fields) Sum(name string, v float64) {
	s := f.accumulator(name)
	s.add(v)
	f.Sums[name] = s.float64()
}

// Append extends a sequence
func (f *Fields) Append(name string, vs ...float64) {
	if f.Sequences == nil {
		f.Sequences = make(map[string][]float64)
	}
	f.Sequences[name] = append(f.Sequences[name], vs...)
}

// Merge accumulates other into f field by field
func (f *Fields) Merge(other Fields) {
	for k, v := range other.Counters {
		f.Count(k, v)
	}
	for k, v := range other.Sums {
		s := f.accumulator(k)
		if o, ok := other.exact[k]; ok {
			s.addSum(o)
		} else {
			s.add(v)
		}
		f.Sums[k] = s.float64()
	}
	for k, vs := range other.Sequences {
		f.Append(k, vs...)
	}
}

// IsEmpty reports whether no field has been set
func (f *Fields) IsEmpty() bool {
	return len(f.Counters) == 0 && len(f.Sums) == 0 && len(f.Sequences) == 0
}
