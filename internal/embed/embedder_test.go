package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"memtier/internal/breaker"
)

func newTestBreaker() *breaker.Breaker {
	return breaker.New("embed-test", 3, time.Minute)
}

func TestEmbed_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input string `json:"input"`
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Input != "remember this" {
			t.Errorf("unexpected input %q", req.Input)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer server.Close()

	e := NewEmbedder(server.URL, newTestBreaker())
	vec, err := e.Embed(context.Background(), "remember this")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("unexpected embedding %v", vec)
	}
}

func TestEmbed_EmptyDataIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer server.Close()

	e := NewEmbedder(server.URL, newTestBreaker())
	if _, err := e.Embed(context.Background(), "text"); err == nil {
		t.Fatal("expected error on empty data")
	}
}

func TestEmbed_BreakerShortCircuits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	e := NewEmbedder(server.URL, newTestBreaker())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := e.Embed(ctx, "text"); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	if e.Available() {
		t.Error("breaker must be open after threshold failures")
	}
	if _, err := e.Embed(ctx, "text"); !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("expected short-circuit while open, got %v", err)
	}
}
