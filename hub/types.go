package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Proposal states as reported by the hub.
const (
	StatePending = "pending"
	StateActive  = "active"
	StateClosed  = "closed"
)

// Proposal is the subset of a hub proposal sidekick reads.
type Proposal struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	State   string    `json:"state"`
	Type    string    `json:"type"`
	Choices []string  `json:"choices"`
	Scores  []float64 `json:"scores"`
	Author  string    `json:"author"`
	Votes   int       `json:"votes"`
	Start   int64     `json:"start"`
	End     int64     `json:"end"`
	Space   SpaceRef  `json:"space"`
}

// SpaceRef identifies the space a proposal belongs to.
type SpaceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MultiChoice reports whether votes on the proposal carry a choice mapping
// rather than a single index, which decides the report's column layout.
func (p *Proposal) MultiChoice() (multi bool, known bool) {
	switch p.Type {
	case "single-choice", "basic":
		return false, true
	case "approval", "quadratic", "ranked-choice", "weighted":
		return true, true
	}
	return false, false
}

// Space is the subset of a hub space sidekick reads.
type Space struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	About          string   `json:"about"`
	Network        string   `json:"network"`
	Symbol         string   `json:"symbol"`
	Admins         []string `json:"admins"`
	Members        []string `json:"members"`
	FollowersCount int      `json:"followersCount"`
	ProposalsCount int      `json:"proposalsCount"`
}

// Vote is one vote on a proposal.
type Vote struct {
	IPFS    string  `json:"ipfs"`
	Voter   string  `json:"voter"`
	Choice  Choice  `json:"choice"`
	VP      float64 `json:"vp"`
	Created int64   `json:"created"`
}

// Choice is a vote's choice. Single-choice votes carry a 1-based Index;
// weighted, quadratic, approval and ranked votes carry Weights keyed by
// 1-based choice index. Shielded votes only carry Text.
type Choice struct {
	Index   int
	Weights map[int]float64
	Text    string
}

// Multi reports whether the choice is a mapping.
func (c Choice) Multi() bool {
	return c.Weights != nil
}

// UnmarshalJSON accepts a number, an object of index to weight, an array of
// values (element i lands on choice i+1) or a string.
func (c *Choice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Choice{}
		return nil
	}

	switch data[0] {
	case '{':
		var raw map[string]float64
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decoding weighted choice: %w", err)
		}
		weights := make(map[int]float64, len(raw))
		for k, v := range raw {
			idx, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("invalid choice index %q", k)
			}
			weights[idx] = v
		}
		*c = Choice{Weights: weights}
	case '[':
		var raw []float64
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decoding choice list: %w", err)
		}
		weights := make(map[int]float64, len(raw))
		for i, v := range raw {
			weights[i+1] = v
		}
		*c = Choice{Weights: weights}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Choice{Text: s}
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decoding choice: %w", err)
		}
		*c = Choice{Index: int(f)}
	}
	return nil
}

// MarshalJSON renders the choice in the shape it was decoded from, arrays
// excepted, which come back as objects.
func (c Choice) MarshalJSON() ([]byte, error) {
	switch {
	case c.Weights != nil:
		raw := make(map[string]float64, len(c.Weights))
		for k, v := range c.Weights {
			raw[strconv.Itoa(k)] = v
		}
		return json.Marshal(raw)
	case c.Text != "":
		return json.Marshal(c.Text)
	default:
		return json.Marshal(c.Index)
	}
}
