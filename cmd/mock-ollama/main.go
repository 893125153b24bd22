// Package main implements a mock local-inference endpoint for hub
// development and dry runs. It serves OpenAI-compatible /v1/chat/completions
// responses plus the /api/tags health endpoint the degradation probe polls,
// so a full hub can run offline and deterministically.
//
// Usage:
//
//	mock-ollama -fixtures /path/to/fixtures -port 11434
//
// Fixture files are named by model with path-hostile characters replaced
// (e.g. "qwen2.5-coder_14b.json" answers model "qwen2.5-coder:14b"). Numbered
// files ("qwen2.5-coder_14b.1.json", ".2.json", ...) are served in call order
// before the base file repeats, which lets a test script a
// rejection-then-approval review loop. Without a fixture directory every
// model gets a canned echo reply.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type server struct {
	mu       sync.Mutex
	fixtures map[string][]string
	counts   map[string]int
	total    int
	logger   *slog.Logger
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	return &server{
		fixtures: fixtures,
		counts:   make(map[string]int),
		logger:   logger,
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory of fixture response files (optional)")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var fixtures map[string][]string
	if *fixtureDir != "" {
		var err error
		fixtures, err = loadFixtures(*fixtureDir)
		if err != nil {
			logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
			os.Exit(1)
		}
		for model, seq := range fixtures {
			logger.Info("Fixture loaded", "model", model, "responses", len(seq))
		}
	}

	s := newServer(fixtures, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", s.handleTags)
	mux.HandleFunc("/v1/chat/completions", s.handleChat)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock inference endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// handleTags answers the health probe the degradation manager sends.
func (s *server) handleTags(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	models := make([]map[string]any, 0, len(s.fixtures))
	for name := range s.fixtures {
		models = append(models, map[string]any{"name": name})
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	content, callIndex := s.nextResponse(req)
	s.logger.Info("Chat call", "model", req.Model, "call_index", callIndex, "messages", len(req.Messages))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptTokens(req.Messages),
			CompletionTokens: len(content) / 4,
			TotalTokens:      promptTokens(req.Messages) + len(content)/4,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// nextResponse picks the fixture for this call, or the canned echo when the
// model has no fixtures.
func (s *server) nextResponse(req chatRequest) (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	idx := s.counts[req.Model]
	s.counts[req.Model] = idx + 1

	seq, ok := s.fixtures[req.Model]
	if !ok {
		seq, ok = s.fixtures[fixtureName(req.Model)]
	}
	if !ok || len(seq) == 0 {
		last := ""
		if len(req.Messages) > 0 {
			last = req.Messages[len(req.Messages)-1].Content
		}
		return fmt.Sprintf("mock response %d for %s: %s", idx+1, req.Model, truncate(last, 120)), idx
	}
	if idx < len(seq) {
		return seq[idx], idx
	}
	return seq[len(seq)-1], idx
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	var models []map[string]any
	for name := range s.fixtures {
		models = append(models, map[string]any{"id": name, "object": "model", "owned_by": "mock-ollama"})
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
}

// handleStats exposes call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.counts))
	for model, n := range s.counts {
		byModel[model] = n
	}
	total := s.total
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    total,
		"calls_by_model": byModel,
	})
}

func promptTokens(messages []chatMessage) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content) / 4
	}
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// fixtureName maps a model id to its fixture file stem. Colons and slashes
// appear in local model ids but not in portable file names.
func fixtureName(model string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(model)
}

// numberedFileRe matches sequential fixtures like "local-coder.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads the fixture directory into model → ordered responses.
// Numbered files come first in numeric order; the base file repeats after
// the sequence is exhausted.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if matches := numberedFileRe.FindStringSubmatch(info.Name()); matches != nil {
			model := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[model] == nil {
				numberedFiles[model] = make(map[int]string)
			}
			numberedFiles[model][index] = string(data)
			return nil
		}
		baseFiles[strings.TrimSuffix(info.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	models := make(map[string]bool)
	for m := range baseFiles {
		models[m] = true
	}
	for m := range numberedFiles {
		models[m] = true
	}

	for model := range models {
		var seq []string
		if numbered, ok := numberedFiles[model]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}
		if base, ok := baseFiles[model]; ok {
			seq = append(seq, base)
		}
		fixtures[model] = seq
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
