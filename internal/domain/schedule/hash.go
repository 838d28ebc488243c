package schedule

import (
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// DateHash pairs a calendar day with the digest of that day's schedule content.
type DateHash struct {
	Date Date
	Hash string
}

// HashCollection is the stored state of one tracked entity: the day hashes
// of its last poll and the local day that poll ran on. PolledOn is zero for
// collections written before the day was recorded.
type HashCollection struct {
	PolledOn Date
	Hashes   []DateHash
}

// StartsNewDay reports whether a poll on day is the first one after the day
// of the stored collection rolled over. Unknown days never count.
func (c HashCollection) StartsNewDay(day Date) bool {
	return !c.PolledOn.IsZero() && !day.IsZero() && c.PolledOn.Before(day)
}

// ContentHash returns the hex-encoded blake2b-256 digest of content.
func ContentHash(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// NormalizeHashes returns hashes sorted by date with at most one entry per
// date. When a date repeats, the greatest hash value wins, which keeps the
// result independent of input order.
func NormalizeHashes(hashes []DateHash) []DateHash {
	byDate := make(map[Date]string, len(hashes))
	for _, h := range hashes {
		if prev, ok := byDate[h.Date]; !ok || h.Hash > prev {
			byDate[h.Date] = h.Hash
		}
	}

	out := make([]DateHash, 0, len(byDate))
	for d, h := range byDate {
		out = append(out, DateHash{Date: d, Hash: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
