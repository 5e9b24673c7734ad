package main

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

// centerCardID returns the stable id of the n-th center card, 1-indexed.
func centerCardID(n int) string {
	return fmt.Sprintf("center-%d", n)
}

func isCenterCardID(id string) bool {
	return strings.HasPrefix(id, "center-")
}

// selectNextAction computes the night actions implied by the deal-time role
// distribution (a role wakes iff some player was dealt it), subtracts the
// completed ones, and returns the remaining action with the lowest wake
// order. Empty string means the night is over.
func selectNextAction(originalRoles []string, completedActions []string) string {
	completed := make(map[string]bool, len(completedActions))
	for _, a := range completedActions {
		completed[a] = true
	}

	next := ""
	nextOrder := 0
	for _, roleName := range originalRoles {
		role, ok := roleByName(roleName)
		if !ok || role.Action == "" || completed[role.Action] {
			continue
		}
		if next == "" || role.NightOrder < nextOrder {
			next = role.Action
			nextOrder = role.NightOrder
		}
	}
	return next
}

// Typed night-action payloads. The wire message carries a loose bag of
// fields; parseNightPayload narrows it to exactly one of these so every
// effect below works on validated, strongly-typed data.
type wakePayload struct{}

type seerPayload struct {
	TargetPlayerID string   // look at one player, or
	CenterCardIDs  []string // exactly two distinct center cards
}

type robberPayload struct {
	TargetPlayerID string
}

type troublemakerPayload struct {
	PlayerA string
	PlayerB string
}

type drunkPayload struct {
	CenterCardID string
}

// parseNightPayload validates msg against the shape expected for action.
// Returns ErrInvalidActionData on any mismatch; nothing is mutated.
func parseNightPayload(action string, actorID string, msg WSMessage) (any, error) {
	switch action {
	case ActionWerewolves, ActionMinion, ActionMason, ActionInsomniac:
		return wakePayload{}, nil

	case ActionSeer:
		hasPlayer := msg.TargetPlayerID != ""
		hasCards := len(msg.CenterCardIDs) > 0
		if hasPlayer == hasCards {
			return nil, ErrInvalidActionData
		}
		if hasPlayer {
			if msg.TargetPlayerID == actorID {
				return nil, ErrInvalidActionData
			}
			return seerPayload{TargetPlayerID: msg.TargetPlayerID}, nil
		}
		if len(msg.CenterCardIDs) != 2 || msg.CenterCardIDs[0] == msg.CenterCardIDs[1] {
			return nil, ErrInvalidActionData
		}
		for _, id := range msg.CenterCardIDs {
			if !isCenterCardID(id) {
				return nil, ErrInvalidActionData
			}
		}
		return seerPayload{CenterCardIDs: msg.CenterCardIDs}, nil

	case ActionRobber:
		if msg.TargetPlayerID == "" || msg.TargetPlayerID == actorID {
			return nil, ErrInvalidActionData
		}
		return robberPayload{TargetPlayerID: msg.TargetPlayerID}, nil

	case ActionTroublemaker:
		if len(msg.PlayerIDs) != 2 {
			return nil, ErrInvalidActionData
		}
		a, b := msg.PlayerIDs[0], msg.PlayerIDs[1]
		if a == b || a == actorID || b == actorID {
			return nil, ErrInvalidActionData
		}
		return troublemakerPayload{PlayerA: a, PlayerB: b}, nil

	case ActionDrunk:
		if len(msg.CenterCardIDs) != 1 || !isCenterCardID(msg.CenterCardIDs[0]) {
			return nil, ErrInvalidActionData
		}
		return drunkPayload{CenterCardID: msg.CenterCardIDs[0]}, nil
	}
	return nil, ErrInvalidActionData
}

// submitNightAction validates and applies one night action on behalf of a
// waking player, then advances the sequencer. The client names the action
// it believes is active; a stale submission (phase moved on) is rejected
// without mutating anything.
func submitNightAction(room *Room, playerID string, msg WSMessage) error {
	if room.Phase != PhaseNight {
		return ErrWrongPhase
	}
	if room.CurrentAction == "" || msg.NightAction != room.CurrentAction {
		return ErrWrongPhase
	}

	actor, err := getRoomPlayer(room.ID, playerID)
	if err == sql.ErrNoRows {
		return ErrPlayerNotInRoom
	}
	if err != nil {
		return err
	}
	actorRole, ok := roleByName(actor.OriginalRole)
	if !ok || actorRole.Action != room.CurrentAction {
		return ErrInvalidActionData
	}

	payload, err := parseNightPayload(room.CurrentAction, playerID, msg)
	if err != nil {
		return err
	}

	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seerResult *SeerReveal
	switch p := payload.(type) {
	case wakePayload:
		// Read-only wake; the private info already went out when the
		// action became current.

	case seerPayload:
		reveal, err := seerReveal(room.ID, p)
		if err != nil {
			return err
		}
		// Delivered to the acting client only after commit, never stored.
		seerResult = reveal

	case robberPayload:
		target, err := getRoomPlayer(room.ID, p.TargetPlayerID)
		if err == sql.ErrNoRows {
			return ErrInvalidActionData
		}
		if err != nil {
			return err
		}
		// One-way copy: the robber takes the target's current role, the
		// target's own card is untouched. The receipt is shown back to the
		// robber at dawn.
		if _, err := tx.Exec(`
			UPDATE room_player
			SET current_role = ?, robbed_target = ?, robbed_role = ?, robbed_prior = ?
			WHERE rowid = ?`,
			target.CurrentRole, target.Name, target.CurrentRole, actor.CurrentRole, actor.ID); err != nil {
			return err
		}
		log.Printf("Robber '%s' took '%s' from '%s'", actor.Name, target.CurrentRole, target.Name)

	case troublemakerPayload:
		a, err := getRoomPlayer(room.ID, p.PlayerA)
		if err != nil {
			return ErrInvalidActionData
		}
		b, err := getRoomPlayer(room.ID, p.PlayerB)
		if err != nil {
			return ErrInvalidActionData
		}
		// True two-way exchange, revealed to nobody.
		if err := swapCurrentRoles(tx, a, b); err != nil {
			return err
		}
		log.Printf("Troublemaker '%s' swapped '%s' and '%s'", actor.Name, a.Name, b.Name)

	case drunkPayload:
		var card CenterCard
		err := db.Get(&card, `
			SELECT rowid as id, room_id, card_id, role
			FROM center_card WHERE room_id = ? AND card_id = ?`,
			room.ID, p.CenterCardID)
		if err == sql.ErrNoRows {
			return ErrInvalidActionData
		}
		if err != nil {
			return err
		}
		// Two-way exchange with the center, unseen by the drunk.
		if _, err := tx.Exec(`UPDATE room_player SET current_role = ? WHERE rowid = ?`, card.Role, actor.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE center_card SET role = ? WHERE rowid = ?`, actor.CurrentRole, card.ID); err != nil {
			return err
		}
		log.Printf("Drunk '%s' swapped with %s", actor.Name, card.CardID)
	}

	if err := completeActionTx(tx, room); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if seerResult != nil {
		sendToPlayerEvent(room.ID, playerID, ServerEvent{Type: "seer_result", Seer: seerResult})
	}

	DebugLog("submitNightAction", "Room %s: '%s' completed action '%s'", room.Code, actor.Name, room.CurrentAction)
	LogDBState("after night action: " + room.CurrentAction)
	afterActionAdvance(room.ID)
	return nil
}

// swapCurrentRoles exchanges two players' in-play roles. The same swap
// applied twice restores the assignment.
func swapCurrentRoles(e execer, a, b RoomPlayer) error {
	if _, err := e.Exec(`UPDATE room_player SET current_role = ? WHERE rowid = ?`, b.CurrentRole, a.ID); err != nil {
		return err
	}
	_, err := e.Exec(`UPDATE room_player SET current_role = ? WHERE rowid = ?`, a.CurrentRole, b.ID)
	return err
}

// seerReveal computes what the seer learns. Read-only.
func seerReveal(roomID int64, p seerPayload) (*SeerReveal, error) {
	if p.TargetPlayerID != "" {
		target, err := getRoomPlayer(roomID, p.TargetPlayerID)
		if err == sql.ErrNoRows {
			return nil, ErrInvalidActionData
		}
		if err != nil {
			return nil, err
		}
		return &SeerReveal{
			Players: []SeerCard{{ID: target.PlayerID, Name: target.Name, Role: target.CurrentRole}},
		}, nil
	}

	reveal := &SeerReveal{}
	for _, id := range p.CenterCardIDs {
		var card CenterCard
		err := db.Get(&card, `
			SELECT rowid as id, room_id, card_id, role
			FROM center_card WHERE room_id = ? AND card_id = ?`, roomID, id)
		if err == sql.ErrNoRows {
			return nil, ErrInvalidActionData
		}
		if err != nil {
			return nil, err
		}
		reveal.CenterCards = append(reveal.CenterCards, SeerCard{ID: card.CardID, Role: card.Role})
	}
	return reveal, nil
}

// completeActionTx appends the current action to the completed list and
// writes the next sequencer state (next action or transition to day) in the
// same transaction as the action's effect.
func completeActionTx(tx execer, room *Room) error {
	var seq int
	if err := db.Get(&seq, `
		SELECT COUNT(*) FROM completed_action WHERE room_id = ?`, room.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO completed_action (room_id, action, seq) VALUES (?, ?, ?)`,
		room.ID, room.CurrentAction, seq+1); err != nil {
		return err
	}

	players, err := getRoomPlayers(room.ID)
	if err != nil {
		return err
	}
	originals := make([]string, 0, len(players))
	for _, p := range players {
		originals = append(originals, p.OriginalRole)
	}
	completed, err := getCompletedActions(room.ID)
	if err != nil {
		return err
	}
	completed = append(completed, room.CurrentAction)

	next := selectNextAction(originals, completed)
	if next == "" {
		deadline := time.Now().Unix() + int64(config.DaySeconds)
		_, err = tx.Exec(`
			UPDATE room SET phase = ?, current_action = '', action_deadline = ?
			WHERE rowid = ?`, PhaseDay, deadline, room.ID)
		return err
	}
	deadline := time.Now().Unix() + int64(config.ActionSeconds)
	_, err = tx.Exec(`
		UPDATE room SET current_action = ?, action_deadline = ?
		WHERE rowid = ?`, next, deadline, room.ID)
	return err
}

// execer is the slice of sqlx.Tx used by completeActionTx, so tests can
// drive it with a plain *sqlx.DB as well.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// afterActionAdvance re-reads the room after a completed action and arms
// whatever comes next: the next action's timer and wake info, or the day
// countdown.
func afterActionAdvance(roomID int64) {
	room, err := getRoomByID(roomID)
	if err != nil {
		logError("afterActionAdvance: getRoomByID", err)
		return
	}
	switch {
	case room.Phase == PhaseNight && room.CurrentAction != "":
		armActionTimer(roomID, room.CurrentAction)
		sendNightInfo(roomID, room.CurrentAction)
	case room.Phase == PhaseDay:
		cancelRoomTimer(roomID)
		armDayTimer(roomID)
		log.Printf("Room %s: night over, day phase begins", room.Code)
	}
	broadcastRoomUpdate(roomID)
}

// forceAdvanceAction completes the named action with empty data. This is
// the timer-expiry and host-skip path; it guarantees forward progress when
// a waking player never submits. No-ops unless the action is still current,
// so duplicate advance attempts are harmless.
func forceAdvanceAction(roomID int64, action string) {
	room, err := getRoomByID(roomID)
	if err != nil {
		if err != sql.ErrNoRows {
			logError("forceAdvanceAction: getRoomByID", err)
		}
		return
	}
	if room.Phase != PhaseNight || room.CurrentAction != action {
		return // already advanced, stale timer or duplicate skip
	}

	tx, err := db.Beginx()
	if err != nil {
		logError("forceAdvanceAction: begin tx", err)
		return
	}
	defer tx.Rollback()
	if err := completeActionTx(tx, room); err != nil {
		logError("forceAdvanceAction: completeActionTx", err)
		return
	}
	if err := tx.Commit(); err != nil {
		logError("forceAdvanceAction: commit", err)
		return
	}

	log.Printf("Room %s: action '%s' skipped", room.Code, action)
	DebugLog("forceAdvanceAction", "Room %s skipped '%s'", room.Code, action)
	afterActionAdvance(roomID)
}

// skipCurrentAction is the host's manual version of a timer expiry.
func skipCurrentAction(room *Room, hostID string) error {
	if room.Phase != PhaseNight {
		return ErrWrongPhase
	}
	if err := requireHost(room, hostID); err != nil {
		return err
	}
	forceAdvanceAction(room.ID, room.CurrentAction)
	return nil
}

// sendNightInfo delivers the private read-only information a wake grants,
// to exactly the players entitled to it. Nothing here is stored; like the
// seer's result it exists only on the wire.
func sendNightInfo(roomID int64, action string) {
	players, err := getRoomPlayers(roomID)
	if err != nil {
		logError("sendNightInfo: getRoomPlayers", err)
		return
	}

	names := func(role string) []string {
		var out []string
		for _, p := range players {
			if p.OriginalRole == role {
				out = append(out, p.Name)
			}
		}
		return out
	}

	switch action {
	case ActionWerewolves:
		wolves := names("werewolf")
		for _, p := range players {
			if p.OriginalRole == "werewolf" {
				sendToPlayerEvent(roomID, p.PlayerID, ServerEvent{
					Type: "night_info",
					Info: &NightInfo{Action: action, Werewolves: wolves},
				})
			}
		}
	case ActionMinion:
		wolves := names("werewolf")
		for _, p := range players {
			if p.OriginalRole == "minion" {
				sendToPlayerEvent(roomID, p.PlayerID, ServerEvent{
					Type: "night_info",
					Info: &NightInfo{Action: action, Werewolves: wolves},
				})
			}
		}
	case ActionMason:
		masons := names("mason")
		for _, p := range players {
			if p.OriginalRole == "mason" {
				sendToPlayerEvent(roomID, p.PlayerID, ServerEvent{
					Type: "night_info",
					Info: &NightInfo{Action: action, Masons: masons},
				})
			}
		}
	case ActionInsomniac:
		for _, p := range players {
			if p.OriginalRole == "insomniac" {
				sendToPlayerEvent(roomID, p.PlayerID, ServerEvent{
					Type: "night_info",
					Info: &NightInfo{Action: action, YourRole: p.CurrentRole},
				})
			}
		}
	}
}
