package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var db *sqlx.DB
var config AppConfig = defaultConfig()
var devMode bool

// roomMu serializes every state mutation: websocket actions and timer
// expiries alike. SQLite is the source of truth, the mutex makes each
// action's read-validate-write atomic with respect to the others.
var roomMu sync.Mutex

// logError logs an error with context and dumps the database in dev mode
func logError(context string, err error) {
	log.Printf("ERROR [%s]: %v", context, err)
	if devMode {
		LogDBState("error: " + context)
	}
}

// WSMessage is the client-to-server action envelope. Action selects the
// operation, the rest of the fields are that operation's arguments.
type WSMessage struct {
	Action         string   `json:"action"`
	Ready          *bool    `json:"ready,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	NightAction    string   `json:"night_action,omitempty"`
	TargetPlayerID string   `json:"target_player_id,omitempty"`
	PlayerIDs      []string `json:"player_ids,omitempty"`
	CenterCardIDs  []string `json:"center_card_ids,omitempty"`
	TargetID       string   `json:"target_id,omitempty"`
	Body           string   `json:"body,omitempty"`
}

type createRoomRequest struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type joinRoomRequest struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type roomCredentials struct {
	Code     string `json:"code"`
	PlayerID string `json:"player_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	roomMu.Lock()
	code, playerID, err := createRoom(req.Name, req.Avatar)
	roomMu.Unlock()
	if err != nil {
		logError("handleCreateRoom: createRoom", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to create room")
		return
	}
	writeJSON(w, http.StatusCreated, roomCredentials{Code: code, PlayerID: playerID})
}

func handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req joinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "code and name are required")
		return
	}

	roomMu.Lock()
	playerID, err := joinRoom(req.Code, req.Name, req.Avatar)
	roomMu.Unlock()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, roomCredentials{Code: req.Code, PlayerID: playerID})
	case errors.Is(err, ErrRoomNotFound):
		writeJSONError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, ErrWrongPhase):
		writeJSONError(w, http.StatusConflict, "game already in progress")
	case errors.Is(err, ErrRoomFull):
		writeJSONError(w, http.StatusConflict, "room is full")
	case errors.Is(err, ErrNameTaken):
		writeJSONError(w, http.StatusConflict, "name already taken")
	default:
		logError("handleJoinRoom: joinRoom", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to join room")
	}
}

func handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Capture globals at entry to avoid race conditions in parallel tests
	currentDB := db
	currentHub := hub

	code := r.URL.Query().Get("code")
	playerID := r.URL.Query().Get("player")
	if code == "" || playerID == "" {
		http.Error(w, "code and player are required", http.StatusBadRequest)
		return
	}

	var roomID int64
	err := currentDB.Get(&roomID, "SELECT rowid FROM room WHERE code = ?", code)
	if err != nil {
		DebugLog("handleWebSocket", "Rejected connection, unknown room %s", code)
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	var seatCount int
	currentDB.Get(&seatCount, "SELECT COUNT(*) FROM room_player WHERE room_id = ? AND player_id = ?", roomID, playerID)
	if seatCount == 0 {
		DebugLog("handleWebSocket", "Rejected connection, player %s not seated in %s", playerID, code)
		http.Error(w, "Not a player in this room", http.StatusForbidden)
		return
	}

	var upgrader = websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error for player %s in room %s: %v", playerID, code, err)
		return
	}

	DebugLog("handleWebSocket", "WebSocket upgraded for player %s in room %s", playerID, code)
	client := &Client{conn: conn, roomID: roomID, playerID: playerID}
	currentHub.register <- client

	// The new connection gets the current state straight away.
	roomMu.Lock()
	broadcastRoomUpdate(roomID)
	broadcastChat(roomID)
	roomMu.Unlock()

	// Handle messages and disconnection
	go func() {
		defer func() {
			currentHub.unregister <- client
		}()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			handleWSMessage(client, message)
		}
	}()
}

func handleWSMessage(client *Client, message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Printf("WebSocket unmarshal error for player %s: %v", client.playerID, err)
		return
	}

	LogWSMessage("IN", client.playerID, msg.Action)

	roomMu.Lock()
	defer roomMu.Unlock()

	room, err := getRoomByID(client.roomID)
	if err != nil {
		if err != sql.ErrNoRows {
			logError("handleWSMessage: getRoomByID", err)
		}
		sendErrorEvent(client.roomID, client.playerID, "Room no longer exists")
		return
	}

	// Route action to the appropriate handler based on action type
	switch msg.Action {
	case "ready":
		ready := msg.Ready == nil || *msg.Ready
		err = setReady(room, client.playerID, ready)
	case "start":
		err = startGame(room, client.playerID, msg.Roles)
	case "night_action":
		err = submitNightAction(room, client.playerID, msg)
	case "skip_action":
		err = skipCurrentAction(room, client.playerID)
	case "start_voting":
		err = startVoting(room, client.playerID)
	case "vote":
		err = castVote(room, client.playerID, msg.TargetID)
	case "play_again":
		err = playAgain(room, client.playerID)
	case "kick":
		err = kickPlayer(room, client.playerID, msg.TargetID)
	case "leave":
		err = leaveRoom(room, client.playerID)
	case "chat":
		err = postChat(room, client.playerID, msg.Body)
	default:
		log.Printf("Unknown action: %s for player %s in room %s (phase: %s)", msg.Action, client.playerID, room.Code, room.Phase)
		return
	}

	if err != nil {
		sendErrorEvent(client.roomID, client.playerID, errorMessage(err))
	}
}

// errorMessage translates a rejection into the text shown to the acting
// client. Unexpected errors are logged and masked.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "Room not found"
	case errors.Is(err, ErrNameTaken):
		return "That name is already taken"
	case errors.Is(err, ErrNotHost):
		return "Only the host can do that"
	case errors.Is(err, ErrWrongPhase):
		return "You can't do that right now"
	case errors.Is(err, ErrInvalidActionData):
		return "Invalid action"
	case errors.Is(err, ErrPlayerNotInRoom):
		return "You are not in this room"
	case errors.Is(err, ErrRoomFull):
		return "The room is full"
	case errors.Is(err, ErrAlreadyVoted):
		return "You already voted"
	default:
		logError("errorMessage: unexpected", err)
		return "Something went wrong"
	}
}

func main() {
	fv := registerFlags()
	flag.Parse()
	config = loadConfig(*fv.configPath)
	fv.applyTo(&config)
	devMode = config.Dev

	// Set up logging to both stdout and file
	logFile, err := os.OpenFile("werewolf.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		log.Fatal("Failed to open log file:", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))

	if err := InitAppLogger(config.toLogConfig()); err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer CloseAppLogger()

	if appLogger.IsEnabled() {
		log.Println("Extended logging enabled")
	}

	db, err = sqlx.Connect("sqlite3", config.DB)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	if err := initDB(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	LogDBState("after initDB")

	initNarrator(config)

	// Start WebSocket hub
	go hub.run()
	defer cancelAllRoomTimers()

	wrapHandler := func(pattern string, handler http.HandlerFunc) {
		if appLogger != nil && appLogger.logRequests {
			http.Handle(pattern, &LoggingHandler{Handler: handler, Logger: appLogger})
		} else {
			http.Handle(pattern, handler)
		}
	}

	wrapHandler("/rooms", handleCreateRoom)
	wrapHandler("/rooms/join", handleJoinRoom)
	wrapHandler("/ws", handleWebSocket)

	log.Println("Server starting on", config.Addr)
	log.Fatal(http.ListenAndServe(config.Addr, nil))
}
