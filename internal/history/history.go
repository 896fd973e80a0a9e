// Package history stores the ordered conversation of a voice session.
//
// The store is addressable by item ID. Besides appending, the only mutation
// it offers is removing every item matching a predicate, which is what the
// turn coordinator uses to retract provisional transcript fragments.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Roles of a history item.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

var (
	ErrInvalidID   = errors.New("history: item id is required")
	ErrInvalidRole = errors.New("history: unknown role")
)

// Item is one entry of the conversation.
type Item struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
	Interrupted bool      `json:"interrupted,omitempty"`
}

// NewItem returns an item with a fresh ID stamped now.
func NewItem(role, text string) Item {
	return Item{ID: uuid.NewString(), Role: role, Text: text, CreatedAt: time.Now().UTC()}
}

// Store is an ordered, ID-addressable history sequence.
type Store interface {
	Append(ctx context.Context, item Item) error
	Items(ctx context.Context) ([]Item, error)
	// RemoveWhere deletes all items for which match returns true and keeps
	// the relative order of the survivors.
	RemoveWhere(ctx context.Context, match func(Item) bool) (int, error)
	// Update replaces the item with the same ID.
	Update(ctx context.Context, item Item) error
}

// ErrNotFound is returned by Update when no item has the given ID.
var ErrNotFound = errors.New("history: item not found")

func validate(item Item) error {
	if item.ID == "" {
		return ErrInvalidID
	}
	switch item.Role {
	case RoleUser, RoleAssistant, RoleSystem:
		return nil
	}
	return ErrInvalidRole
}

// IDSet builds a predicate matching the given IDs.
func IDSet(ids ...string) func(Item) bool {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(it Item) bool {
		_, ok := set[it.ID]
		return ok
	}
}
