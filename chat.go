package main

import (
	"database/sql"
	"strings"
	"time"
)

const maxChatBody = 500

// postChat stores a message and re-broadcasts the room's full ordered chat
// log. Any seated player may chat in any phase.
func postChat(room *Room, playerID string, body string) error {
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxChatBody {
		return ErrInvalidActionData
	}

	sender, err := getRoomPlayer(room.ID, playerID)
	if err == sql.ErrNoRows {
		return ErrPlayerNotInRoom
	}
	if err != nil {
		return err
	}

	if _, err := db.Exec(`
		INSERT INTO chat_message (room_id, player_id, name, body, sent_at)
		VALUES (?, ?, ?, ?, ?)`,
		room.ID, sender.PlayerID, sender.Name, body, time.Now().UnixMilli()); err != nil {
		return err
	}

	broadcastChat(room.ID)
	return nil
}

func broadcastChat(roomID int64) {
	messages, err := getChatMessages(roomID)
	if err != nil {
		logError("broadcastChat: getChatMessages", err)
		return
	}
	views := make([]ChatView, 0, len(messages))
	for _, m := range messages {
		views = append(views, ChatView{
			PlayerID: m.PlayerID,
			Name:     m.Name,
			Body:     m.Body,
			SentAt:   m.SentAt,
		})
	}
	hub.broadcast <- roomMessage{roomID: roomID, payload: ServerEvent{Type: "chat", Chat: views}}
}
