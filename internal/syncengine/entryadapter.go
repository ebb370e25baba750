package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/filedevice/core/internal/entrystore"
)

// EntryStoreAdapter implements ApplyStore over an entrystore.Store,
// translating the "entry" resource type's JSON payload (an
// entrystore.Entry) into the Insert/Update/Remove operations the store
// already exposes. Other resource types are rejected rather than
// silently dropped, so a library that starts exchanging locations or
// content identities fails loudly instead of losing rows.
type EntryStoreAdapter struct {
	Store *entrystore.Store
}

func (a EntryStoreAdapter) HasResource(resourceType ResourceType, id string) bool {
	if resourceType != ResourceEntry {
		return false
	}
	entryID, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	_, err = a.Store.PathOf(context.Background(), entryID)
	return err == nil
}

func (a EntryStoreAdapter) ApplyCreate(resourceType ResourceType, id string, payload []byte) error {
	if resourceType != ResourceEntry {
		return fmt.Errorf("entry store adapter: unsupported resource type %q", resourceType)
	}
	var e entrystore.Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("decode entry payload for %s: %w", id, err)
	}
	return a.Store.Insert(context.Background(), []entrystore.Entry{e})
}

func (a EntryStoreAdapter) ApplyUpdate(resourceType ResourceType, id string, payload []byte) error {
	if resourceType != ResourceEntry {
		return fmt.Errorf("entry store adapter: unsupported resource type %q", resourceType)
	}
	var e entrystore.Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("decode entry payload for %s: %w", id, err)
	}
	return a.Store.Update(context.Background(), []entrystore.Entry{e})
}

func (a EntryStoreAdapter) ApplyDelete(resourceType ResourceType, id string) error {
	if resourceType != ResourceEntry {
		return fmt.Errorf("entry store adapter: unsupported resource type %q", resourceType)
	}
	entryID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("parse entry id %s: %w", id, err)
	}
	return a.Store.Remove(context.Background(), []uuid.UUID{entryID})
}
