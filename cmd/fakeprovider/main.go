// Command fakeprovider is a local stand-in for the chat completion service.
// It answers POST /chat/completions with a canned prompt and fails a
// configurable fraction of calls.
package main

import (
	"encoding/json"
	"flag"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func handler(failRate float64, delay time.Duration, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}

		if delay > 0 {
			time.Sleep(delay)
		}
		if rand.Float64() < failRate {
			logger.Info("injecting failure", zap.String("model", req.Model))
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}

		var goal string
		for _, m := range req.Messages {
			if m.Role == "user" {
				goal = m.Content
			}
		}
		content := "You are a seasoned specialist.\n\n" + strings.TrimSpace(goal) +
			"\n\nWork step by step, state your assumptions and finish with a short summary."

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model": req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     len(goal) / 4,
				"completion_tokens": len(content) / 4,
				"total_tokens":      (len(goal) + len(content)) / 4,
			},
		})
		logger.Info("served completion", zap.String("model", req.Model), zap.Int("messages", len(req.Messages)))
	}
}

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	failRate := flag.Float64("fail-rate", 0, "fraction of calls answered with 503")
	delay := flag.Duration("delay", 0, "artificial latency per call")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", handler(*failRate, *delay, logger))
	mux.HandleFunc("/v1/chat/completions", handler(*failRate, *delay, logger))

	logger.Info("fake provider starting", zap.String("addr", *addr), zap.Float64("fail_rate", *failRate))
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Fatal("fake provider stopped", zap.Error(err))
	}
}
