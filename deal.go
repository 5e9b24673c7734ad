package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// dealFunc is the dealer used by startGame. Tests swap in a fixed deal to
// derandomize end-to-end scenarios.
var dealFunc = dealRoles

// dealRoles shuffles the selected role set and partitions it: one role per
// player in existing seat order, the remainder as center cards. The caller
// persists the result; this function has no side effects.
func dealRoles(players []RoomPlayer, selectedRoles []string, centerCount int) (assigned []string, center []string, err error) {
	if len(selectedRoles) < len(players) {
		return nil, nil, fmt.Errorf("%d roles selected for %d players", len(selectedRoles), len(players))
	}
	if len(selectedRoles) != len(players)+centerCount {
		return nil, nil, fmt.Errorf("%d roles selected, need %d (players) + %d (center)",
			len(selectedRoles), len(players), centerCount)
	}

	pool := make([]string, len(selectedRoles))
	copy(pool, selectedRoles)
	shuffleRoles(pool)

	return pool[:len(players)], pool[len(players):], nil
}

// shuffleRoles shuffles the role pool using crypto/rand
func shuffleRoles(roles []string) {
	for i := len(roles) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			// Fallback: just swap with previous element
			roles[i], roles[i-1] = roles[i-1], roles[i]
			continue
		}
		j := int(jBig.Int64())
		roles[i], roles[j] = roles[j], roles[i]
	}
}
