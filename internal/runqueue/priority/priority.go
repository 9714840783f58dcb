// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package priority implements weighted-random selection among candidate
// queues or environments, the only mechanism that prevents head-of-line
// blocking across tenants. Weights are inversely proportional to how
// recently a candidate was chosen, so that over any interval where all
// candidates have work, the long-run selection rate per candidate tends
// toward weight_i / sum(weights).
package priority

import (
	"math/rand"
)

// Candidate is anything a Strategy can choose between a queue entry or an
// environment entry under a shared master queue.
type Candidate struct {
	Key    string
	Weight float64
}

const (
	// DefaultQueueCandidates is the default candidate-set size for
	// queue-level selection.
	DefaultQueueCandidates = 36
	// DefaultEnvironmentCandidates is the default candidate-set size for
	// environment-level selection.
	DefaultEnvironmentCandidates = 12
)

// Strategy chooses among at most N candidates, weighted-random with a
// uniform-random tie-break, tracking recent selections to bias weight away
// from candidates chosen often.
type Strategy struct {
	rng      *rand.Rand
	recent   map[string]int
	maxTrack int
}

// New creates a Strategy. Pass a seeded rand.Rand for deterministic tests;
// pass nil to use a private source with the fixed seed 1.
func New(source rand.Source) *Strategy {
	var rng *rand.Rand
	if source != nil {
		rng = rand.New(source)
	} else {
		rng = rand.New(rand.NewSource(1))
	}
	return &Strategy{rng: rng, recent: make(map[string]int), maxTrack: 4096}
}

// Choose selects one candidate from the set, or ("", false) if the set is
// empty. Candidates are truncated to maxCandidates before weighting, as a
// new random maxCandidates-sized sample each call, so no candidate is
// permanently excluded by ordering within a larger set.
func (s *Strategy) Choose(candidates []Candidate, maxCandidates int) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	pool := candidates
	if maxCandidates > 0 && len(pool) > maxCandidates {
		pool = sample(s.rng, candidates, maxCandidates)
	}

	total := 0.0
	weights := make([]float64, len(pool))
	for i, c := range pool {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		// Bias weight down for candidates chosen recently, so no single
		// tenant can monopolize the shared queue.
		if n := s.recent[c.Key]; n > 0 {
			w = w / float64(1+n)
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		// Degenerate case: fall back to uniform tie-break.
		chosen := pool[s.rng.Intn(len(pool))].Key
		s.record(chosen)
		return chosen, true
	}

	r := s.rng.Float64() * total
	for i, w := range weights {
		if r < w {
			s.record(pool[i].Key)
			return pool[i].Key, true
		}
		r -= w
	}
	// Floating point edge case: fall through to the last candidate.
	last := pool[len(pool)-1].Key
	s.record(last)
	return last, true
}

func (s *Strategy) record(key string) {
	if len(s.recent) >= s.maxTrack {
		s.recent = make(map[string]int)
	}
	s.recent[key]++
}

// Decay halves all recency counters, called periodically so that a burst
// of past selections doesn't permanently suppress a candidate's weight.
func (s *Strategy) Decay() {
	for k, v := range s.recent {
		if v <= 1 {
			delete(s.recent, k)
			continue
		}
		s.recent[k] = v / 2
	}
}

func sample(rng *rand.Rand, candidates []Candidate, n int) []Candidate {
	idx := rng.Perm(len(candidates))[:n]
	out := make([]Candidate, n)
	for i, j := range idx {
		out[i] = candidates[j]
	}
	return out
}
