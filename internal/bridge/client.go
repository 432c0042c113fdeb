// Package bridge talks to the local deck store that receives exported cards.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dgallion1/deckgen/internal/domain"
)

// ErrNotLoopback is returned for bridge URLs that point off the local host.
var ErrNotLoopback = errors.New("bridge must listen on a loopback address")

// Client communicates with the deck store bridge HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient validates baseURL and returns a client for it. Only loopback
// hosts are accepted.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("bridge url %q: unsupported scheme", baseURL)
	}
	if !isLoopback(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrNotLoopback, u.Host)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: u.String(),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Card is one exported question/answer pair.
type Card struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// AddCardsRequest is the body for POST /add_cards.
type AddCardsRequest struct {
	DeckName string `json:"deck_name"`
	Cards    []Card `json:"cards"`
}

type addCardsResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
	Error  string `json:"error,omitempty"`
}

// ListCategories returns the deck names known to the store.
func (c *Client) ListCategories(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/get_decks", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("list decks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("list decks: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Decks []string `json:"decks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode decks: %w", err)
	}
	return result.Decks, nil
}

// AddCards stores cards in deck and returns how many the store accepted.
func (c *Client) AddCards(ctx context.Context, deck string, cards []Card) (int, error) {
	if len(cards) == 0 {
		return 0, nil
	}
	body, err := json.Marshal(AddCardsRequest{DeckName: deck, Cards: cards})
	if err != nil {
		return 0, fmt.Errorf("marshal cards: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/add_cards", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("add cards: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("add cards to %s: status %d: %s", deck, resp.StatusCode, string(respBody))
	}

	var result addCardsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode add cards response: %w", err)
	}
	if result.Status != "" && result.Status != "success" {
		return result.Count, fmt.Errorf("add cards to %s: %s %s", deck, result.Status, result.Error)
	}
	return result.Count, nil
}

// AddRecord stores a single candidate under its assigned category.
func (c *Client) AddRecord(ctx context.Context, cand domain.Candidate) error {
	_, err := c.AddCards(ctx, cand.Category, []Card{{Question: cand.Question, Answer: cand.Answer}})
	return err
}

// DeckResult is the export outcome for one deck.
type DeckResult struct {
	Deck  string `json:"deck"`
	Sent  int    `json:"sent"`
	Added int    `json:"added"`
	Error string `json:"error,omitempty"`
}

// Export pushes accepted candidates grouped by category, one request per
// deck in name order. A failing deck does not stop the others; the returned
// error joins every deck failure.
func (c *Client) Export(ctx context.Context, cands []domain.Candidate, fallbackDeck string) ([]DeckResult, error) {
	groups := make(map[string][]Card)
	for _, cand := range cands {
		if cand.ValidationStatus != domain.ValidationAccepted {
			continue
		}
		deck := cand.Category
		if deck == "" {
			deck = fallbackDeck
		}
		groups[deck] = append(groups[deck], Card{Question: cand.Question, Answer: cand.Answer})
	}
	decks := make([]string, 0, len(groups))
	for d := range groups {
		decks = append(decks, d)
	}
	sort.Strings(decks)

	results := make([]DeckResult, 0, len(decks))
	var errs []error
	for _, deck := range decks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		r := DeckResult{Deck: deck, Sent: len(groups[deck])}
		added, err := c.AddCards(ctx, deck, groups[deck])
		r.Added = added
		if err != nil {
			r.Error = err.Error()
			errs = append(errs, err)
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

// Ping checks that the bridge answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := c.ListCategories(ctx)
	return err
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
