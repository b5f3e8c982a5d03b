package spacedrep

import (
	"encoding/json"
	"fmt"

	"github.com/abhisek/codecoach/internal/store"
)

// itemKey is the store key of a user's item.
func itemKey(userID, key string) string {
	return userID + "/" + key
}

// toRecord encodes it for the reviews bucket. Disabled items carry no
// due time so the store's due index skips them.
func toRecord(it *ReviewItem) (*store.Record, error) {
	b, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("encode review item: %w", err)
	}
	rec := &store.Record{
		Bucket: store.BucketReviews,
		Key:    itemKey(it.UserID, it.Key),
		Owner:  it.UserID,
		Value:  b,
	}
	if !it.Disabled {
		rec.DueAt = it.DueAt
	}
	return rec, nil
}

func fromRecord(rec *store.Record) (*ReviewItem, error) {
	var it ReviewItem
	if err := json.Unmarshal(rec.Value, &it); err != nil {
		return nil, fmt.Errorf("decode review item %s: %w", rec.Key, err)
	}
	return &it, nil
}
