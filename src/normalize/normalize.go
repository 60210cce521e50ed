// Package normalize maps raw source events into canonical event records.
// Normalization is a pure function: a malformed event produces a
// *NormalizeError and never interrupts the stream.
package normalize

import (
	"fmt"
	"time"

	"github.com/skyrelay/skyrelay/src/encdec"
	"github.com/skyrelay/skyrelay/src/message"
)

// Stream tags produced by the bluesky source connectors.
const (
	StreamPosts         = "posts"
	StreamNotifications = "notifications"
)

// NormalizeError reports a raw event that cannot be mapped to a canonical
// record. The relay drops the single event and continues.
type NormalizeError struct {
	Source string
	Seq    uint64
	Reason string
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("normalize %s event seq %d: %s", e.Source, e.Seq, e.Reason)
}

type author struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

type record struct {
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// rawPost is the shape of one app.bsky.feed.getTimeline feed item.
type rawPost struct {
	Post struct {
		URI       string `json:"uri"`
		Author    author `json:"author"`
		Record    record `json:"record"`
		IndexedAt string `json:"indexedAt"`
	} `json:"post"`
}

// rawNotification is the shape of one app.bsky.notification.listNotifications item.
type rawNotification struct {
	URI       string `json:"uri"`
	Author    author `json:"author"`
	Reason    string `json:"reason"`
	Record    record `json:"record"`
	IndexedAt string `json:"indexedAt"`
}

// Normalize converts a RawEvent into a CanonicalEvent. The returned error,
// always a *NormalizeError, marks the event as droppable; it is never a
// stream-level failure.
func Normalize(raw message.RawEvent) (*message.CanonicalEvent, error) {
	switch raw.Source {
	case StreamPosts:
		return normalizePost(raw)
	case StreamNotifications:
		return normalizeNotification(raw)
	}
	return nil, &NormalizeError{Source: raw.Source, Seq: raw.Seq, Reason: "unknown source tag"}
}

func normalizePost(raw message.RawEvent) (*message.CanonicalEvent, error) {
	var p rawPost
	if err := encdec.DecodeJSON(raw.Payload, &p); err != nil {
		return nil, &NormalizeError{Source: raw.Source, Seq: raw.Seq, Reason: "invalid payload: " + err.Error()}
	}
	if p.Post.Author.DID == "" {
		return nil, &NormalizeError{Source: raw.Source, Seq: raw.Seq, Reason: "missing author did"}
	}
	if p.Post.URI == "" {
		return nil, &NormalizeError{Source: raw.Source, Seq: raw.Seq, Reason: "missing post uri"}
	}

	ev := message.NewCanonicalEvent(message.KindPost, p.Post.Author.DID, p.Post.URI, map[string]string{
		"text":      p.Post.Record.Text,
		"createdAt": p.Post.Record.CreatedAt,
		"handle":    p.Post.Author.Handle,
	}, observedAt(p.Post.IndexedAt))
	ev.Seq = raw.Seq
	return ev, nil
}

func normalizeNotification(raw message.RawEvent) (*message.CanonicalEvent, error) {
	var n rawNotification
	if err := encdec.DecodeJSON(raw.Payload, &n); err != nil {
		return nil, &NormalizeError{Source: raw.Source, Seq: raw.Seq, Reason: "invalid payload: " + err.Error()}
	}
	if n.Author.DID == "" {
		return nil, &NormalizeError{Source: raw.Source, Seq: raw.Seq, Reason: "missing author did"}
	}
	if n.URI == "" {
		return nil, &NormalizeError{Source: raw.Source, Seq: raw.Seq, Reason: "missing notification uri"}
	}

	ev := message.NewCanonicalEvent(message.KindNotification, n.Author.DID, n.URI, map[string]string{
		"reason":    n.Reason,
		"text":      n.Record.Text,
		"createdAt": n.Record.CreatedAt,
		"handle":    n.Author.Handle,
	}, observedAt(n.IndexedAt))
	ev.Seq = raw.Seq
	return ev, nil
}

// observedAt parses the upstream indexedAt timestamp, falling back to the
// local clock when absent or unparsable.
func observedAt(indexedAt string) time.Time {
	if indexedAt != "" {
		if ts, err := time.Parse(time.RFC3339, indexedAt); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
