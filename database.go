package main

import (
	"log"
	"sort"
)

// Room is the authoritative document for one game session.
type Room struct {
	ID             int64  `db:"id"`
	Code           string `db:"code"`
	Phase          string `db:"phase"` // lobby, night, day, voting, results
	CurrentAction  string `db:"current_action"`
	ActionDeadline int64  `db:"action_deadline"` // unix seconds, 0 = no timer
	CenterCount    int    `db:"center_count"`
	WinningTeam    string `db:"winning_team"`
	HunterVictim   string `db:"hunter_victim"`
	Narration      string `db:"narration"`
	CreatedAt      int64  `db:"created_at"`
}

// RoomPlayer is one seat in a room. Role fields are empty until a game
// starts and are reset on play-again. The robbed_* fields are the robber's
// receipt: who they robbed, what they got, what they held before.
type RoomPlayer struct {
	ID           int64  `db:"id"`
	RoomID       int64  `db:"room_id"`
	PlayerID     string `db:"player_id"`
	Name         string `db:"name"`
	Avatar       string `db:"avatar"`
	IsHost       bool   `db:"is_host"`
	IsReady      bool   `db:"is_ready"`
	IsConnected  bool   `db:"is_connected"`
	OriginalRole string `db:"original_role"`
	CurrentRole  string `db:"current_role"`
	VotedFor     string `db:"voted_for"`
	RobbedTarget string `db:"robbed_target"`
	RobbedRole   string `db:"robbed_role"`
	RobbedPrior  string `db:"robbed_prior"`
	JoinSeq      int    `db:"join_seq"`
}

// CenterCard is one of the face-down cards not dealt to any player.
// Card ids are center-1..center-N and double as vote targets.
type CenterCard struct {
	ID     int64  `db:"id"`
	RoomID int64  `db:"room_id"`
	CardID string `db:"card_id"`
	Role   string `db:"role"`
}

// ChatMessage is a room chat entry, ordered by sent_at (unix millis).
type ChatMessage struct {
	ID       int64  `db:"id"`
	RoomID   int64  `db:"room_id"`
	PlayerID string `db:"player_id"`
	Name     string `db:"name"`
	Body     string `db:"body"`
	SentAt   int64  `db:"sent_at"`
}

func getRoomByCode(code string) (*Room, error) {
	var room Room
	err := db.Get(&room, `
		SELECT rowid as id, code, phase, current_action, action_deadline,
			center_count, winning_team, hunter_victim, narration, created_at
		FROM room WHERE code = ?`, code)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func getRoomByID(id int64) (*Room, error) {
	var room Room
	err := db.Get(&room, `
		SELECT rowid as id, code, phase, current_action, action_deadline,
			center_count, winning_team, hunter_victim, narration, created_at
		FROM room WHERE rowid = ?`, id)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// getRoomPlayers returns the seats of a room in join order.
func getRoomPlayers(roomID int64) ([]RoomPlayer, error) {
	var players []RoomPlayer
	err := db.Select(&players, `
		SELECT rowid as id, room_id, player_id, name, avatar, is_host, is_ready,
			is_connected, original_role, current_role, voted_for,
			robbed_target, robbed_role, robbed_prior, join_seq
		FROM room_player WHERE room_id = ? ORDER BY join_seq`, roomID)
	return players, err
}

func getRoomPlayer(roomID int64, playerID string) (RoomPlayer, error) {
	var player RoomPlayer
	err := db.Get(&player, `
		SELECT rowid as id, room_id, player_id, name, avatar, is_host, is_ready,
			is_connected, original_role, current_role, voted_for,
			robbed_target, robbed_role, robbed_prior, join_seq
		FROM room_player WHERE room_id = ? AND player_id = ?`, roomID, playerID)
	return player, err
}

func getCenterCards(roomID int64) ([]CenterCard, error) {
	var cards []CenterCard
	err := db.Select(&cards, `
		SELECT rowid as id, room_id, card_id, role
		FROM center_card WHERE room_id = ? ORDER BY card_id`, roomID)
	return cards, err
}

// getCompletedActions returns this night's completed actions in the order
// they were completed.
func getCompletedActions(roomID int64) ([]string, error) {
	var actions []string
	err := db.Select(&actions, `
		SELECT action FROM completed_action WHERE room_id = ? ORDER BY seq`, roomID)
	return actions, err
}

func getEliminated(roomID int64) ([]string, error) {
	var targets []string
	err := db.Select(&targets, `
		SELECT target_id FROM elimination WHERE room_id = ? ORDER BY rowid`, roomID)
	return targets, err
}

// getChatMessages returns a room's chat sorted ascending by timestamp.
// The sort is explicit rather than relying on insert order so that clients
// with skewed clocks still agree on one ordering.
func getChatMessages(roomID int64) ([]ChatMessage, error) {
	var messages []ChatMessage
	err := db.Select(&messages, `
		SELECT rowid as id, room_id, player_id, name, body, sent_at
		FROM chat_message WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].SentAt < messages[j].SentAt
	})
	return messages, nil
}

// deleteRoom removes a room and every row that hangs off it.
func deleteRoom(roomID int64) {
	cancelRoomTimer(roomID)
	db.Exec("DELETE FROM chat_message WHERE room_id = ?", roomID)
	db.Exec("DELETE FROM elimination WHERE room_id = ?", roomID)
	db.Exec("DELETE FROM completed_action WHERE room_id = ?", roomID)
	db.Exec("DELETE FROM center_card WHERE room_id = ?", roomID)
	db.Exec("DELETE FROM room_player WHERE room_id = ?", roomID)
	db.Exec("DELETE FROM room WHERE rowid = ?", roomID)
}

func initDB() error {
	schema := `
	PRAGMA journal_mode=WAL;

	CREATE TABLE IF NOT EXISTS room (
		code TEXT NOT NULL UNIQUE,
		phase TEXT NOT NULL DEFAULT 'lobby',
		current_action TEXT NOT NULL DEFAULT '',
		action_deadline INTEGER NOT NULL DEFAULT 0,
		center_count INTEGER NOT NULL DEFAULT 3,
		winning_team TEXT NOT NULL DEFAULT '',
		hunter_victim TEXT NOT NULL DEFAULT '',
		narration TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS room_player (
		room_id INTEGER NOT NULL,
		player_id TEXT NOT NULL,
		name TEXT NOT NULL,
		avatar TEXT NOT NULL DEFAULT '',
		is_host INTEGER NOT NULL DEFAULT 0,
		is_ready INTEGER NOT NULL DEFAULT 0,
		is_connected INTEGER NOT NULL DEFAULT 1,
		original_role TEXT NOT NULL DEFAULT '',
		current_role TEXT NOT NULL DEFAULT '',
		voted_for TEXT NOT NULL DEFAULT '',
		robbed_target TEXT NOT NULL DEFAULT '',
		robbed_role TEXT NOT NULL DEFAULT '',
		robbed_prior TEXT NOT NULL DEFAULT '',
		join_seq INTEGER NOT NULL,
		FOREIGN KEY (room_id) REFERENCES room(rowid),
		UNIQUE(room_id, player_id)
	);
	CREATE TABLE IF NOT EXISTS center_card (
		room_id INTEGER NOT NULL,
		card_id TEXT NOT NULL,
		role TEXT NOT NULL,
		FOREIGN KEY (room_id) REFERENCES room(rowid),
		UNIQUE(room_id, card_id)
	);
	CREATE TABLE IF NOT EXISTS completed_action (
		room_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		seq INTEGER NOT NULL,
		FOREIGN KEY (room_id) REFERENCES room(rowid),
		UNIQUE(room_id, action)
	);
	CREATE TABLE IF NOT EXISTS elimination (
		room_id INTEGER NOT NULL,
		target_id TEXT NOT NULL,
		FOREIGN KEY (room_id) REFERENCES room(rowid),
		UNIQUE(room_id, target_id)
	);
	CREATE TABLE IF NOT EXISTS chat_message (
		room_id INTEGER NOT NULL,
		player_id TEXT NOT NULL,
		name TEXT NOT NULL,
		body TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		FOREIGN KEY (room_id) REFERENCES room(rowid)
	);
	CREATE INDEX IF NOT EXISTS idx_room_player_room ON room_player(room_id);
	CREATE INDEX IF NOT EXISTS idx_chat_message_room ON chat_message(room_id);
	`
	_, err := db.Exec(schema)
	if err != nil {
		log.Printf("initDB error: %v", err)
		return err
	}
	log.Printf("Database initialized successfully")
	return nil
}
