// Package quota implements the multi-tier admission limiter that decides
// whether a conversation may receive a reply: a randomized per-conversation
// cooldown, hourly and daily per-conversation caps, and global per-minute and
// per-hour caps. State is kept in memory and snapshotted periodically.
package quota

import (
	"encoding/json"
	"time"
)

// Record is the quota state of one conversation.
type Record struct {
	// Recent holds accepted-reply instants from the trailing 24 hours,
	// oldest first. It backs both the hourly and the daily count.
	Recent []time.Time

	// LastReply is the instant of the last accepted reply.
	LastReply time.Time

	// Cooldown is the wait imposed after LastReply. It is re-drawn on every
	// acceptance.
	Cooldown time.Duration
}

// lastActivity returns the most recent instant recorded for the conversation.
func (r *Record) lastActivity() time.Time {
	latest := r.LastReply
	if n := len(r.Recent); n > 0 && r.Recent[n-1].After(latest) {
		latest = r.Recent[n-1]
	}
	return latest
}

// countSince returns how many recent instants are strictly after cutoff.
func (r *Record) countSince(cutoff time.Time) int {
	return countAfter(r.Recent, cutoff)
}

func (r *Record) clone() Record {
	out := *r
	out.Recent = append([]time.Time(nil), r.Recent...)
	return out
}

// recordJSON is the snapshot wire format. Instants are epoch milliseconds.
type recordJSON struct {
	RecentMessageTimestamps []int64 `json:"recentMessageTimestamps"`
	LastReplyInstant        int64   `json:"lastReplyInstant"`
	CooldownDuration        int64   `json:"cooldownDuration"`
}

// MarshalJSON encodes the record in the snapshot format.
func (r Record) MarshalJSON() ([]byte, error) {
	w := recordJSON{
		RecentMessageTimestamps: make([]int64, len(r.Recent)),
		CooldownDuration:        r.Cooldown.Milliseconds(),
	}
	for i, t := range r.Recent {
		w.RecentMessageTimestamps[i] = t.UnixMilli()
	}
	if !r.LastReply.IsZero() {
		w.LastReplyInstant = r.LastReply.UnixMilli()
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the snapshot format.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Recent = make([]time.Time, len(w.RecentMessageTimestamps))
	for i, ms := range w.RecentMessageTimestamps {
		r.Recent[i] = time.UnixMilli(ms)
	}
	r.LastReply = time.Time{}
	if w.LastReplyInstant > 0 {
		r.LastReply = time.UnixMilli(w.LastReplyInstant)
	}
	r.Cooldown = time.Duration(w.CooldownDuration) * time.Millisecond
	return nil
}

// pruneBefore drops every instant that is not strictly after cutoff. The
// slice is assumed to be in ascending order.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func countAfter(ts []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(ts) - 1; i >= 0 && ts[i].After(cutoff); i-- {
		n++
	}
	return n
}
