package modelruntime_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/archivesearch/core/internal/modelruntime"
)

func TestEmbedReturnsVectorsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "nomic-embed-text" {
			t.Errorf("Model = %q, want nomic-embed-text", req.Model)
		}
		resp := struct {
			Embeddings [][]float32 `json:"embeddings"`
		}{}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{1, 2, 3})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := modelruntime.New(srv.URL, "nomic-embed-text", "llama3.1", 5*time.Second)
	vecs, err := c.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("Embed returned %d vectors, want 2", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 3 {
			t.Errorf("vecs[%d] has %d dims, want 3", i, len(v))
		}
	}
}

func TestEmbedEmptyInputReturnsNil(t *testing.T) {
	c := modelruntime.New("http://unused", "m", "m", time.Second)
	vecs, err := c.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs != nil {
		t.Errorf("Embed(nil) = %v, want nil", vecs)
	}
}

func TestEmbedMismatchedCountIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	c := modelruntime.New(srv.URL, "m", "m", 5*time.Second)
	_, err := c.Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Error("Embed with mismatched count: want error, got nil")
	}
}

func TestCompleteAccumulatesStreamedTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		lines := []string{
			`{"response":"Hel","done":false}`,
			`{"response":"lo","done":false}`,
			`{"response":"","done":true}`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	c := modelruntime.New(srv.URL, "embed-model", "llama3.1", 5*time.Second)
	got, err := c.Complete(context.Background(), "say hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "Hello" {
		t.Errorf("Complete = %q, want %q", got, "Hello")
	}
}

func TestCompleteNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := modelruntime.New(srv.URL, "m", "m", 5*time.Second)
	_, err := c.Complete(context.Background(), "x")
	if err == nil {
		t.Error("Complete with 500 status: want error, got nil")
	}
}
