package federation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// providerCursor is the pagination state of one provider within a composite cursor
type providerCursor struct {
	Provider string `json:"p"`
	// Next is the provider-native next-page token
	Next      string `json:"n,omitempty"`
	Exhausted bool   `json:"x,omitempty"`
	Degraded  bool   `json:"d,omitempty"`
}

// compositeCursor aggregates the per-provider pagination states of a search.
// The provider set and its order are frozen when the first page is built and
// stay identical for the whole cursor chain.
type compositeCursor struct {
	Providers []providerCursor `json:"providers"`
}

// exhausted returns whether no provider has a next page
func (c *compositeCursor) exhausted() bool {
	for _, p := range c.Providers {
		if !p.Exhausted {
			return false
		}
	}
	return true
}

// encode serializes the cursor into its opaque wire form ("" if exhausted)
func (c *compositeCursor) encode() (string, error) {
	if c.exhausted() {
		return "", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode.Marshal: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// decodeCursor parses an opaque cursor token. Any structural problem is a
// CursorError: pagination fails closed instead of guessing a provider set.
func decodeCursor(s string) (*compositeCursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, &CursorError{Reason: "undecodable token"}
	}
	cursor := compositeCursor{}
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, &CursorError{Reason: "undecodable token"}
	}
	if len(cursor.Providers) == 0 {
		return nil, &CursorError{Reason: "empty provider set"}
	}
	seen := map[string]bool{}
	for _, p := range cursor.Providers {
		if p.Provider == "" {
			return nil, &CursorError{Reason: "unnamed provider"}
		}
		if seen[p.Provider] {
			return nil, &CursorError{Reason: fmt.Sprintf("duplicate provider %q", p.Provider)}
		}
		seen[p.Provider] = true
	}
	return &cursor, nil
}
