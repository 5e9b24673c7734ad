package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const narratorSystemPrompt = `You are a dramatic narrator for a one-night werewolf game set in a medieval village. Given the reveal of a single night, narrate the dawn: who the village turned on, what they turned out to be, and which side prevailed. Keep it to 3-4 sentences. Be gothic and atmospheric.`

// Narrator generates a dramatic dawn recap once a game resolves.
// onChunk is called with each text chunk as it streams in.
type Narrator interface {
	Tell(ctx context.Context, history []string, onChunk func(string)) (string, error)
}

// globalNarrator is nil when no provider is configured (feature disabled).
var globalNarrator Narrator

type llmNarrator struct {
	llm          llms.Model
	systemPrompt string
	callOpts     []llms.CallOption
}

func (n *llmNarrator) Tell(ctx context.Context, history []string, onChunk func(string)) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, n.systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman,
			"The night's reveal:\n"+strings.Join(history, "\n")+
				"\n\nNarrate the dawn (3-4 sentences)."),
	}

	var fullText strings.Builder
	opts := append(n.callOpts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		text := string(chunk)
		fullText.WriteString(text)
		if onChunk != nil {
			onChunk(text)
		}
		return nil
	}))

	_, err := n.llm.GenerateContent(ctx, messages, opts...)
	return strings.TrimSpace(fullText.String()), err
}

// buildCallOpts builds LLM call options from the config.
func buildCallOpts(cfg AppConfig) []llms.CallOption {
	var opts []llms.CallOption

	if cfg.NarratorTemperature != "" {
		if f, err := strconv.ParseFloat(cfg.NarratorTemperature, 64); err == nil {
			opts = append(opts, llms.WithTemperature(f))
			log.Printf("Narrator: temperature=%.2f", f)
		} else {
			log.Printf("Narrator: invalid temperature %q: %v", cfg.NarratorTemperature, err)
		}
	}

	if cfg.NarratorThinking != "" {
		mode := llms.ThinkingMode(cfg.NarratorThinking)
		switch mode {
		case llms.ThinkingModeNone, llms.ThinkingModeLow, llms.ThinkingModeMedium, llms.ThinkingModeHigh, llms.ThinkingModeAuto:
			opts = append(opts, llms.WithThinkingMode(mode))
			log.Printf("Narrator: thinking=%s", mode)
		default:
			log.Printf("Narrator: invalid thinking %q (valid: none, low, medium, high, auto)", cfg.NarratorThinking)
		}
	}

	return opts
}

// initNarrator sets up the global narrator from config.
func initNarrator(cfg AppConfig) {
	provider := cfg.NarratorProvider
	model := cfg.NarratorModel
	callOpts := buildCallOpts(cfg)

	switch provider {
	case "ollama":
		llm, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(cfg.NarratorOllamaURL))
		if err != nil {
			log.Printf("Narrator: failed to init Ollama (%s at %s): %v", model, cfg.NarratorOllamaURL, err)
			return
		}
		globalNarrator = &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
		log.Printf("Narrator: Ollama model=%s url=%s", model, cfg.NarratorOllamaURL)
	case "openai":
		llm, err := openai.New(openai.WithModel(model))
		if err != nil {
			log.Printf("Narrator: failed to init OpenAI (%s): %v", model, err)
			return
		}
		globalNarrator = &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
		log.Printf("Narrator: OpenAI model=%s", model)
	case "claude":
		llm, err := anthropic.New(anthropic.WithModel(model))
		if err != nil {
			log.Printf("Narrator: failed to init Claude (%s): %v", model, err)
			return
		}
		globalNarrator = &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
		log.Printf("Narrator: Claude model=%s", model)
	case "gemini":
		llm, err := googleai.New(context.Background(), googleai.WithDefaultModel(model))
		if err != nil {
			log.Printf("Narrator: failed to init Gemini (%s): %v", model, err)
			return
		}
		globalNarrator = &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
		log.Printf("Narrator: Gemini model=%s", model)
	case "groq":
		llm, err := openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.groq.com/openai/v1"),
			openai.WithToken(cfg.GroqAPIKey),
		)
		if err != nil {
			log.Printf("Narrator: failed to init Groq (%s): %v", model, err)
			return
		}
		globalNarrator = &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
		log.Printf("Narrator: Groq model=%s", model)
	case "openai-compatible":
		if cfg.NarratorURL == "" {
			log.Printf("Narrator: narrator_url is required for openai-compatible provider")
			return
		}
		opts := []openai.Option{
			openai.WithModel(model),
			openai.WithBaseURL(cfg.NarratorURL),
		}
		if cfg.NarratorAPIKey != "" {
			opts = append(opts, openai.WithToken(cfg.NarratorAPIKey))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			log.Printf("Narrator: failed to init openai-compatible (%s at %s): %v", model, cfg.NarratorURL, err)
			return
		}
		globalNarrator = &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
		log.Printf("Narrator: openai-compatible model=%s url=%s", model, cfg.NarratorURL)
	default:
		log.Printf("Narrator: disabled (set narrator_provider to enable)")
	}
}

// revealSummary renders the resolved game as plain lines for the narrator.
func revealSummary(room *Room, players []RoomPlayer, eliminated []string) []string {
	nameOf := func(id string) string {
		for _, p := range players {
			if p.PlayerID == id {
				return p.Name
			}
		}
		return id
	}

	var lines []string
	for _, p := range players {
		lines = append(lines, fmt.Sprintf("%s was dealt %s and ended the night as %s", p.Name, p.OriginalRole, p.CurrentRole))
	}
	for _, id := range eliminated {
		lines = append(lines, fmt.Sprintf("The village eliminated %s", nameOf(id)))
	}
	if room.HunterVictim != "" {
		lines = append(lines, fmt.Sprintf("The hunter dragged %s down too", nameOf(room.HunterVictim)))
	}
	lines = append(lines, fmt.Sprintf("The %s team won", room.WinningTeam))
	return lines
}

// maybeNarrateDawn asynchronously streams a dawn recap into the room once
// it reaches results. Returns immediately; narration text appears
// progressively via broadcastRoomUpdate.
func maybeNarrateDawn(roomID int64) {
	if globalNarrator == nil {
		return
	}

	room, err := getRoomByID(roomID)
	if err != nil || room.Phase != PhaseResults {
		return
	}
	players, err := getRoomPlayers(roomID)
	if err != nil {
		log.Printf("maybeNarrateDawn: fetch players: %v", err)
		return
	}
	eliminated, err := getEliminated(roomID)
	if err != nil {
		log.Printf("maybeNarrateDawn: fetch eliminations: %v", err)
		return
	}
	history := revealSummary(room, players, eliminated)

	go func() {
		// Buffer for streamed tokens, updated by the streaming callback
		var mu sync.Mutex
		var buf strings.Builder

		// Flush goroutine: pushes partial text to DB and clients every 300ms
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(300 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					mu.Lock()
					text := buf.String()
					mu.Unlock()
					if text != "" {
						db.Exec(`UPDATE room SET narration=? WHERE rowid=? AND phase=?`,
							strings.TrimSpace(text), roomID, PhaseResults)
						broadcastRoomUpdate(roomID)
					}
				case <-done:
					return
				}
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_, err := globalNarrator.Tell(ctx, history, func(chunk string) {
			mu.Lock()
			buf.WriteString(chunk)
			mu.Unlock()
		})

		close(done)

		if err != nil {
			log.Printf("maybeNarrateDawn: narrator error: %v", err)
			return
		}

		mu.Lock()
		finalText := strings.TrimSpace(buf.String())
		mu.Unlock()
		if finalText == "" {
			return
		}

		// Guarded so a "play again" racing the stream never resurrects old text.
		db.Exec(`UPDATE room SET narration=? WHERE rowid=? AND phase=?`, finalText, roomID, PhaseResults)
		log.Printf("Narrator: completed dawn recap for room %s", room.Code)
		broadcastRoomUpdate(roomID)
	}()
}
