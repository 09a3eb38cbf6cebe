package redis

import (
	"context"
	"time"
)

// Deduper tracks webhook event IDs that have already been accepted so replayed
// deliveries are acknowledged without enqueueing duplicate work. Checking and
// marking are separate steps: an id is only marked once its work is durably
// enqueued, so a failed enqueue leaves the redelivery window open.
type Deduper struct {
	client    *Client
	keyPrefix string
	ttl       time.Duration
}

// NewDeduper creates a new Deduper. Keys expire after ttl.
func NewDeduper(client *Client, keyPrefix string, ttl time.Duration) *Deduper {
	if keyPrefix == "" {
		keyPrefix = "dedup:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// Seen reports whether the event ID has been marked. Read-only.
func (d *Deduper) Seen(ctx context.Context, tenantID, eventID string) (bool, error) {
	return d.client.Exists(ctx, d.key(tenantID, eventID))
}

// Mark records the event ID as accepted for the dedup TTL.
func (d *Deduper) Mark(ctx context.Context, tenantID, eventID string) error {
	_, err := d.client.SetNX(ctx, d.key(tenantID, eventID), "1", d.ttl)
	return err
}

func (d *Deduper) key(tenantID, eventID string) string {
	return d.keyPrefix + tenantID + ":" + eventID
}
