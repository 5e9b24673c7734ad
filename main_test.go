package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Shared test helpers
// ============================================================================

func refreshRoom(t *testing.T, roomID int64) *Room {
	t.Helper()
	room, err := getRoomByID(roomID)
	if err != nil {
		t.Fatalf("getRoomByID(%d): %v", roomID, err)
	}
	return room
}

// setupLobby creates a room, seats the named players and readies everyone.
// The first name is the host.
func setupLobby(t *testing.T, names ...string) (*Room, []string) {
	t.Helper()
	code, hostID, err := createRoom(names[0], "")
	if err != nil {
		t.Fatalf("createRoom: %v", err)
	}
	ids := []string{hostID}
	for _, name := range names[1:] {
		id, err := joinRoom(code, name, "")
		if err != nil {
			t.Fatalf("joinRoom(%s): %v", name, err)
		}
		ids = append(ids, id)
	}
	room, err := getRoomByCode(code)
	if err != nil {
		t.Fatalf("getRoomByCode: %v", err)
	}
	for _, id := range ids {
		if err := setReady(room, id, true); err != nil {
			t.Fatalf("setReady(%s): %v", id, err)
		}
	}
	return refreshRoom(t, room.ID), ids
}

// startFixedGame starts the game with a deterministic deal instead of a
// shuffle: assigned[i] goes to the i-th seat, center to the cards in order.
func startFixedGame(t *testing.T, room *Room, hostID string, assigned, center []string) *Room {
	t.Helper()
	prev := dealFunc
	dealFunc = func(players []RoomPlayer, selectedRoles []string, centerCount int) ([]string, []string, error) {
		return assigned, center, nil
	}
	t.Cleanup(func() { dealFunc = prev })

	roles := append(append([]string{}, assigned...), center...)
	if err := startGame(room, hostID, roles); err != nil {
		t.Fatalf("startGame: %v", err)
	}
	return refreshRoom(t, room.ID)
}

// wsClient is a raw websocket client speaking the server's event protocol.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, ctx *TestContext, code, playerID string) *wsClient {
	t.Helper()
	url := fmt.Sprintf("%s?code=%s&player=%s", ctx.wsURL, code, playerID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg WSMessage) {
	c.t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("ws write: %v", err)
	}
}

// waitFor reads events until one matches, failing the test on timeout.
// Events of other types arriving in between are discarded.
func (c *wsClient) waitFor(eventType string, match func(ServerEvent) bool) ServerEvent {
	c.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		var ev ServerEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			c.t.Fatalf("ws read while waiting for %q: %v", eventType, err)
		}
		if ev.Type == eventType && (match == nil || match(ev)) {
			return ev
		}
	}
	c.t.Fatalf("timed out waiting for %q event", eventType)
	return ServerEvent{}
}

func (c *wsClient) waitForPhase(phase string) ServerEvent {
	c.t.Helper()
	return c.waitFor("room", func(ev ServerEvent) bool {
		return ev.Room != nil && ev.Room.Phase == phase
	})
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response of %s: %v", url, err)
		}
	}
	return resp
}

// ============================================================================
// End-to-end over HTTP + WebSocket
// ============================================================================

func TestFullGameOverWebSocket(t *testing.T) {
	ctx := newTestContext(t)

	var creds roomCredentials
	postJSON(t, ctx.baseURL+"/rooms", createRoomRequest{Name: "alice"}, &creds)
	if creds.Code == "" || creds.PlayerID == "" {
		t.Fatalf("bad create response: %+v", creds)
	}
	code, aliceID := creds.Code, creds.PlayerID

	var bobCreds, caraCreds roomCredentials
	postJSON(t, ctx.baseURL+"/rooms/join", joinRoomRequest{Code: code, Name: "bob"}, &bobCreds)
	postJSON(t, ctx.baseURL+"/rooms/join", joinRoomRequest{Code: code, Name: "cara"}, &caraCreds)
	bobID, caraID := bobCreds.PlayerID, caraCreds.PlayerID

	alice := dialWS(t, ctx, code, aliceID)
	bob := dialWS(t, ctx, code, bobID)
	cara := dialWS(t, ctx, code, caraID)

	for _, c := range []*wsClient{alice, bob, cara} {
		c.send(WSMessage{Action: "ready"})
	}
	alice.waitFor("room", func(ev ServerEvent) bool {
		if ev.Room == nil || len(ev.Room.Players) != 3 {
			return false
		}
		for _, p := range ev.Room.Players {
			if !p.IsReady {
				return false
			}
		}
		return true
	})

	// Deterministic deal: alice werewolf, bob seer, cara villager.
	prev := dealFunc
	dealFunc = func(players []RoomPlayer, selectedRoles []string, centerCount int) ([]string, []string, error) {
		return []string{"werewolf", "seer", "villager"}, []string{"villager", "tanner", "hunter"}, nil
	}
	t.Cleanup(func() { dealFunc = prev })

	alice.send(WSMessage{Action: "start", Roles: []string{
		"werewolf", "seer", "villager", "villager", "tanner", "hunter"}})

	// The wake info goes out before the phase broadcast.
	info := alice.waitFor("night_info", nil)
	if len(info.Info.Werewolves) != 1 || info.Info.Werewolves[0] != "alice" {
		t.Fatalf("expected lone wolf alice, got %v", info.Info.Werewolves)
	}
	ev := alice.waitForPhase(PhaseNight)
	if ev.Room.CurrentAction != ActionWerewolves {
		t.Fatalf("expected werewolves to wake first, got %q", ev.Room.CurrentAction)
	}

	// A player only ever sees their own dealt role before results.
	if ev.Room.Players[0].OriginalRole != "werewolf" {
		t.Fatalf("alice should see her own role, got %q", ev.Room.Players[0].OriginalRole)
	}
	for _, p := range ev.Room.Players[1:] {
		if p.OriginalRole != "" || p.CurrentRole != "" {
			t.Fatalf("alice can see %s's role before results: %+v", p.Name, p)
		}
	}

	alice.send(WSMessage{Action: "night_action", NightAction: ActionWerewolves})

	bob.waitFor("room", func(ev ServerEvent) bool {
		return ev.Room != nil && ev.Room.CurrentAction == ActionSeer
	})
	bob.send(WSMessage{Action: "night_action", NightAction: ActionSeer, TargetPlayerID: aliceID})
	seer := bob.waitFor("seer_result", nil)
	if len(seer.Seer.Players) != 1 || seer.Seer.Players[0].Role != "werewolf" {
		t.Fatalf("seer should see alice's werewolf card, got %+v", seer.Seer)
	}

	alice.waitForPhase(PhaseDay)
	alice.send(WSMessage{Action: "start_voting"})
	alice.waitForPhase(PhaseVoting)

	alice.send(WSMessage{Action: "vote", TargetID: bobID})
	bob.send(WSMessage{Action: "vote", TargetID: aliceID})
	cara.send(WSMessage{Action: "vote", TargetID: aliceID})

	results := cara.waitForPhase(PhaseResults)
	if results.Room.WinningTeam != string(TeamVillage) {
		t.Fatalf("expected village win, got %q", results.Room.WinningTeam)
	}
	if len(results.Room.Eliminated) != 1 || results.Room.Eliminated[0] != aliceID {
		t.Fatalf("expected alice eliminated, got %v", results.Room.Eliminated)
	}
	for _, p := range results.Room.Players {
		if p.OriginalRole == "" || p.CurrentRole == "" {
			t.Fatalf("results must reveal all roles, got %+v", p)
		}
	}
}

func TestJoinErrorsOverHTTP(t *testing.T) {
	ctx := newTestContext(t)

	resp := postJSON(t, ctx.baseURL+"/rooms/join", joinRoomRequest{Code: "ZZZZZZ", Name: "bob"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", resp.StatusCode)
	}

	var creds roomCredentials
	postJSON(t, ctx.baseURL+"/rooms", createRoomRequest{Name: "alice"}, &creds)

	resp = postJSON(t, ctx.baseURL+"/rooms/join", joinRoomRequest{Code: creds.Code, Name: "alice"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate name, got %d", resp.StatusCode)
	}
}

func TestChatOverWebSocket(t *testing.T) {
	ctx := newTestContext(t)

	var creds roomCredentials
	postJSON(t, ctx.baseURL+"/rooms", createRoomRequest{Name: "alice"}, &creds)
	var bobCreds roomCredentials
	postJSON(t, ctx.baseURL+"/rooms/join", joinRoomRequest{Code: creds.Code, Name: "bob"}, &bobCreds)

	alice := dialWS(t, ctx, creds.Code, creds.PlayerID)
	bob := dialWS(t, ctx, creds.Code, bobCreds.PlayerID)

	alice.send(WSMessage{Action: "chat", Body: "evening all"})
	ev := bob.waitFor("chat", func(ev ServerEvent) bool { return len(ev.Chat) == 1 })
	if ev.Chat[0].Name != "alice" || ev.Chat[0].Body != "evening all" {
		t.Fatalf("unexpected chat payload: %+v", ev.Chat[0])
	}

	bob.send(WSMessage{Action: "chat", Body: "who do we lynch"})
	ev = alice.waitFor("chat", func(ev ServerEvent) bool { return len(ev.Chat) == 2 })
	if ev.Chat[1].Name != "bob" {
		t.Fatalf("chat log out of order: %+v", ev.Chat)
	}
}

func TestDawnNarrationStreamsIntoRoom(t *testing.T) {
	newTestContext(t)

	globalNarrator = &mockNarrator{text: "The village woke to blood on the snow."}
	t.Cleanup(func() { globalNarrator = nil })

	room, ids := setupLobby(t, "alice", "bob", "cara")
	room = startFixedGame(t, room, ids[0], []string{"villager", "villager", "werewolf"}, []string{"seer", "tanner", "hunter"})

	// No waking player submissions needed: villager-only room minus the
	// wolf, advance through the night by force.
	for {
		room = refreshRoom(t, room.ID)
		if room.Phase != PhaseNight {
			break
		}
		forceAdvanceAction(room.ID, room.CurrentAction)
	}
	transitionToVoting(room.ID)
	for _, id := range ids[:2] {
		room = refreshRoom(t, room.ID)
		if err := castVote(room, id, ids[2]); err != nil {
			t.Fatalf("castVote(%s): %v", id, err)
		}
	}
	room = refreshRoom(t, room.ID)
	if err := castVote(room, ids[2], ids[0]); err != nil {
		t.Fatalf("castVote: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		room = refreshRoom(t, room.ID)
		if room.Narration != "" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if room.Phase != PhaseResults {
		t.Fatalf("expected results phase, got %s", room.Phase)
	}
	if room.Narration != "The village woke to blood on the snow." {
		t.Fatalf("narration not streamed into room: %q", room.Narration)
	}
}
