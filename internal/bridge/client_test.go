package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/deckgen/internal/domain"
)

type fakeStore struct {
	mu       sync.Mutex
	decks    []string
	received []AddCardsRequest
	failDeck string
}

func (f *fakeStore) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /get_decks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"decks": f.decks})
	})
	mux.HandleFunc("POST /add_cards", func(w http.ResponseWriter, r *http.Request) {
		var req AddCardsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.DeckName == f.failDeck {
			http.Error(w, `{"error":"deck locked"}`, http.StatusInternalServerError)
			return
		}
		f.mu.Lock()
		f.received = append(f.received, req)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"status": "success", "count": len(req.Cards)})
	})
	return mux
}

func newTestClient(t *testing.T, store *fakeStore) *Client {
	t.Helper()
	srv := httptest.NewServer(store.handler())
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func accepted(q, a, cat string) domain.Candidate {
	return domain.Candidate{Question: q, Answer: a, Category: cat, ValidationStatus: domain.ValidationAccepted}
}

func TestNewClientRejectsRemoteHosts(t *testing.T) {
	for _, u := range []string{"http://127.0.0.1:5005", "http://localhost:5005/", "http://[::1]:5005"} {
		_, err := NewClient(u, 0)
		assert.NoError(t, err, u)
	}
	for _, u := range []string{"http://10.0.0.5:5005", "http://example.com", "ftp://127.0.0.1"} {
		_, err := NewClient(u, 0)
		assert.Error(t, err, u)
	}
	_, err := NewClient("http://192.168.1.2:5005", 0)
	assert.True(t, errors.Is(err, ErrNotLoopback))
}

func TestListCategories(t *testing.T) {
	c := newTestClient(t, &fakeStore{decks: []string{"Cardiology", "Neurology"}})
	decks, err := c.ListCategories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Cardiology", "Neurology"}, decks)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestAddRecord(t *testing.T) {
	store := &fakeStore{}
	c := newTestClient(t, store)
	require.NoError(t, c.AddRecord(context.Background(), accepted("What pumps blood?", "The heart", "Cardiology")))
	require.Len(t, store.received, 1)
	assert.Equal(t, "Cardiology", store.received[0].DeckName)
	assert.Equal(t, []Card{{Question: "What pumps blood?", Answer: "The heart"}}, store.received[0].Cards)
}

func TestExportGroupsByCategory(t *testing.T) {
	store := &fakeStore{failDeck: "Broken"}
	c := newTestClient(t, store)

	cards := []domain.Candidate{
		accepted("What is a neuron?", "A nerve cell", "Neurology"),
		accepted("What pumps blood?", "The heart", "Cardiology"),
		accepted("What is the myelin sheath?", "Axon insulation", "Neurology"),
		accepted("Unsorted question here?", "Somewhere", ""),
		accepted("Will this deck fail?", "It will", "Broken"),
		{Question: "Rejected card question?", Answer: "No", Category: "Neurology", ValidationStatus: domain.ValidationRejected},
	}
	results, err := c.Export(context.Background(), cards, "Uncategorized")
	require.Error(t, err)

	assert.Equal(t, []DeckResult{
		{Deck: "Broken", Sent: 1, Added: 0, Error: results[0].Error},
		{Deck: "Cardiology", Sent: 1, Added: 1},
		{Deck: "Neurology", Sent: 2, Added: 2},
		{Deck: "Uncategorized", Sent: 1, Added: 1},
	}, results)
	assert.NotEmpty(t, results[0].Error)
	assert.Len(t, store.received, 3)
}
