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

package priority

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChooseEmptySetReturnsNone(t *testing.T) {
	s := New(rand.NewSource(1))
	_, ok := s.Choose(nil, DefaultQueueCandidates)
	require.False(t, ok)
}

func TestChooseSingleCandidateAlwaysWins(t *testing.T) {
	s := New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		key, ok := s.Choose([]Candidate{{Key: "only", Weight: 1}}, DefaultQueueCandidates)
		require.True(t, ok)
		require.Equal(t, "only", key)
	}
}

// Starvation is impossible for any non-empty candidate: over enough draws
// every equal-weight candidate is chosen at least once, and none dominates
// the others by more than the recency bias would allow.
func TestChooseIsFairAcrossEqualWeightCandidates(t *testing.T) {
	s := New(rand.NewSource(42))
	candidates := []Candidate{
		{Key: "tenant_a", Weight: 1},
		{Key: "tenant_b", Weight: 1},
		{Key: "tenant_c", Weight: 1},
	}

	counts := map[string]int{}
	const draws = 3000
	for i := 0; i < draws; i++ {
		key, ok := s.Choose(candidates, DefaultQueueCandidates)
		require.True(t, ok)
		counts[key]++
	}

	for _, c := range candidates {
		require.NotZero(t, counts[c.Key], "candidate %s was starved", c.Key)
		share := float64(counts[c.Key]) / float64(draws)
		require.InDelta(t, 1.0/3.0, share, 0.1, "candidate %s got an unfair share", c.Key)
	}
}

// A heavily-recently-chosen candidate's weight decays, so a burst in the
// past doesn't permanently suppress the others once Decay runs.
func TestDecayRestoresWeightAfterBurst(t *testing.T) {
	s := New(rand.NewSource(7))
	candidates := []Candidate{{Key: "a", Weight: 1}, {Key: "b", Weight: 1}}

	for i := 0; i < 50; i++ {
		s.record("a")
	}
	require.Greater(t, s.recent["a"], 0)

	for i := 0; i < 10; i++ {
		s.Decay()
	}
	require.Zero(t, s.recent["a"])

	_, ok := s.Choose(candidates, DefaultQueueCandidates)
	require.True(t, ok)
}

func TestChooseTruncatesLargeCandidateSets(t *testing.T) {
	s := New(rand.NewSource(3))
	var candidates []Candidate
	for i := 0; i < 100; i++ {
		candidates = append(candidates, Candidate{Key: string(rune('a' + i%26)), Weight: 1})
	}
	key, ok := s.Choose(candidates, 5)
	require.True(t, ok)
	require.NotEmpty(t, key)
}
