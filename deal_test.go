package main

import (
	"sort"
	"testing"
)

func seats(n int) []RoomPlayer {
	players := make([]RoomPlayer, n)
	for i := range players {
		players[i] = RoomPlayer{JoinSeq: i + 1}
	}
	return players
}

func TestDealRolesPartition(t *testing.T) {
	selected := []string{"werewolf", "werewolf", "seer", "robber", "troublemaker", "villager", "villager", "tanner"}
	players := seats(5)

	assigned, center, err := dealRoles(players, selected, 3)
	if err != nil {
		t.Fatalf("dealRoles: %v", err)
	}
	if len(assigned) != 5 {
		t.Fatalf("expected 5 assigned roles, got %d", len(assigned))
	}
	if len(center) != 3 {
		t.Fatalf("expected 3 center roles, got %d", len(center))
	}

	// The dealt multiset must be exactly the selected multiset.
	got := append(append([]string{}, assigned...), center...)
	want := append([]string{}, selected...)
	sort.Strings(got)
	sort.Strings(want)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dealt roles differ from selected at %d: got %v want %v", i, got, want)
		}
	}
}

func TestDealRolesRejectsBadCounts(t *testing.T) {
	players := seats(4)

	if _, _, err := dealRoles(players, []string{"werewolf", "seer"}, 3); err == nil {
		t.Fatal("expected error for fewer roles than players")
	}
	// Right player count but wrong total vs center cards.
	roles := []string{"werewolf", "seer", "robber", "villager", "villager", "villager"}
	if _, _, err := dealRoles(players, roles, 3); err == nil {
		t.Fatal("expected error for role count != players + center")
	}
}

func TestDealRolesDoesNotMutateInput(t *testing.T) {
	selected := []string{"werewolf", "seer", "villager", "villager", "tanner", "drunk"}
	original := append([]string{}, selected...)

	if _, _, err := dealRoles(seats(3), selected, 3); err != nil {
		t.Fatalf("dealRoles: %v", err)
	}
	for i := range original {
		if selected[i] != original[i] {
			t.Fatalf("input slice mutated at %d: %v", i, selected)
		}
	}
}
