package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"assistant_server/core/domain"
	"assistant_server/core/port/out"
)

const contactKeyPrefix = "contact:"

// StoreContacts keeps the per-sender contact book in the KV store.
type StoreContacts struct {
	store out.KVStore
}

// NewStoreContacts creates the contact provider.
func NewStoreContacts(store out.KVStore) *StoreContacts {
	return &StoreContacts{store: store}
}

func contactKey(sender, name string) string {
	return fmt.Sprintf("%s%s:%s", contactKeyPrefix, sender, strings.ToLower(strings.TrimSpace(name)))
}

// Resolve looks a contact up by name. Unknown names return ErrNotFound.
func (c *StoreContacts) Resolve(ctx context.Context, sender, name string) (*domain.ResolvedContact, error) {
	data, err := c.store.Get(ctx, contactKey(sender, name))
	if err != nil {
		return nil, err
	}

	var contact domain.ResolvedContact
	if err := json.Unmarshal(data, &contact); err != nil {
		return nil, fmt.Errorf("corrupt contact entry: %w", err)
	}
	return &contact, nil
}

// Save upserts one contact.
func (c *StoreContacts) Save(ctx context.Context, sender string, contact domain.ResolvedContact) error {
	if strings.TrimSpace(contact.Name) == "" {
		return fmt.Errorf("contact name required")
	}
	data, err := json.Marshal(contact)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, contactKey(sender, contact.Name), data, 0)
}
