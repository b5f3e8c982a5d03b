// Package archive exports a user's learning data as zstd-compressed JSONL.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/abhisek/codecoach/internal/store"
)

// Buckets exported for a user, in output order.
var Buckets = []string{store.BucketMistakes, store.BucketPatterns, store.BucketReviews}

// Line is one JSONL entry of an export.
type Line struct {
	Type      string          `json:"type"` // record or event
	Bucket    string          `json:"bucket,omitempty"`
	Key       string          `json:"key,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	DueAt     *time.Time      `json:"due_at,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// Summary counts what an export wrote.
type Summary struct {
	Records int
	Events  int
}

// Export writes every record and event owned by userID to w. events may
// be nil.
func Export(ctx context.Context, repo store.Repo, events store.EventRepo, userID string, w io.Writer) (Summary, error) {
	var sum Summary

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return sum, fmt.Errorf("create zstd encoder: %w", err)
	}
	enc := json.NewEncoder(encoder)

	for _, bucket := range Buckets {
		recs, err := repo.List(ctx, bucket, userID)
		if err != nil {
			encoder.Close()
			return sum, fmt.Errorf("list %s: %w", bucket, err)
		}
		for _, r := range recs {
			line := Line{Type: "record", Bucket: bucket, Key: r.Key, Value: r.Value}
			if !r.DueAt.IsZero() {
				due := r.DueAt
				line.DueAt = &due
			}
			if err := enc.Encode(line); err != nil {
				encoder.Close()
				return sum, fmt.Errorf("compress: %w", err)
			}
			sum.Records++
		}
	}

	if events != nil {
		evs, err := events.QueryEvents(ctx, "", store.QueryOpts{Owner: userID})
		if err != nil {
			encoder.Close()
			return sum, fmt.Errorf("query events: %w", err)
		}
		for _, e := range evs {
			ts := e.Timestamp
			line := Line{Type: "event", Kind: e.Kind, Sequence: e.Sequence, Timestamp: &ts, Value: e.Payload}
			if err := enc.Encode(line); err != nil {
				encoder.Close()
				return sum, fmt.Errorf("compress: %w", err)
			}
			sum.Events++
		}
	}

	if err := encoder.Close(); err != nil {
		return sum, fmt.Errorf("finalize compression: %w", err)
	}
	return sum, nil
}

// ExportFile writes the export to dir/{user}.jsonl.zst and returns the
// path.
func ExportFile(ctx context.Context, repo store.Repo, events store.EventRepo, userID, dir string) (string, Summary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", Summary{}, fmt.Errorf("create export dir: %w", err)
	}
	destPath := Path(userID, dir)
	dest, err := os.Create(destPath)
	if err != nil {
		return "", Summary{}, fmt.Errorf("create export: %w", err)
	}
	defer dest.Close()

	sum, err := Export(ctx, repo, events, userID, dest)
	if err != nil {
		return "", sum, err
	}
	return destPath, sum, dest.Close()
}

// Path returns the deterministic export path for a user.
func Path(userID, dir string) string {
	return filepath.Join(dir, userID+".jsonl.zst")
}

// Read decodes an export.
func Read(r io.Reader) ([]Line, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer decoder.Close()

	var lines []Line
	scanner := bufio.NewScanner(decoder)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var l Line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			return nil, fmt.Errorf("decode line %d: %w", len(lines)+1, err)
		}
		lines = append(lines, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return lines, nil
}

// Restore writes the records of an export back into repo under owner.
// Events are not replayed.
func Restore(ctx context.Context, repo store.Repo, owner string, lines []Line) (int, error) {
	n := 0
	for _, l := range lines {
		if l.Type != "record" {
			continue
		}
		rec := &store.Record{Bucket: l.Bucket, Key: l.Key, Owner: owner, Value: l.Value}
		if l.DueAt != nil {
			rec.DueAt = *l.DueAt
		}
		if _, err := repo.Put(ctx, rec); err != nil {
			return n, fmt.Errorf("restore %s/%s: %w", l.Bucket, l.Key, err)
		}
		n++
	}
	return n, nil
}
