package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// hashed mirrors the fields covered by Entry.Hash. Field order is fixed.
type hashed struct {
	ID          string         `json:"id"`
	ActorID     string         `json:"actor_id"`
	Action      Action         `json:"action"`
	TargetID    string         `json:"target_id"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	IPAddress   string         `json:"ip_address"`
	UserAgent   string         `json:"user_agent"`
	CreatedAt   string         `json:"created_at"`
	PrevHash    string         `json:"prev_hash"`
}

// ComputeHash returns the hex SHA-256 of the entry's canonical encoding.
// Metadata keys are encoded sorted.
func ComputeHash(e Entry) (string, error) {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(hashed{
		ID:          e.ID,
		ActorID:     e.ActorID,
		Action:      e.Action,
		TargetID:    e.TargetID,
		Description: e.Description,
		Metadata:    meta,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339Nano),
		PrevHash:    e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("%w: metadata not encodable: %v", ErrInvalidEntry, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks entries (oldest first) link to each other and that every
// stored hash matches its content. The first entry's PrevHash is trusted
// so a window of the chain can be verified.
func Verify(entries []Entry) error {
	prev := ""
	for i, e := range entries {
		if i > 0 && e.PrevHash != prev {
			return fmt.Errorf("%w: entry %s does not link to its predecessor", ErrChainBroken, e.ID)
		}
		sum, err := ComputeHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %s: %v", ErrChainBroken, e.ID, err)
		}
		if sum != e.Hash {
			return fmt.Errorf("%w: entry %s content does not match its hash", ErrChainBroken, e.ID)
		}
		prev = e.Hash
	}
	return nil
}
