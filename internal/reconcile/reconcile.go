// Package reconcile matches provisional, optimistically sent messages against
// their server-confirmed counterparts arriving over the push channel. The two
// records share no id, so matching is heuristic: same sender, still marked
// sending, identical text (or matching image presence when text is empty),
// within a bounded recency window.
package reconcile

import (
	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
)

const (
	// DefaultWindowSeconds bounds how far back a confirmation may reach for a
	// provisional match.
	DefaultWindowSeconds int64 = 120
	// DefaultSearchDepth bounds how many recent message ids are scanned.
	DefaultSearchDepth = 25
)

// Config tunes the matching heuristics. Zero values select the defaults.
type Config struct {
	WindowSeconds int64
	SearchDepth   int
}

func (c Config) windowSeconds() int64 {
	if c.WindowSeconds <= 0 {
		return DefaultWindowSeconds
	}
	return c.WindowSeconds
}

func (c Config) searchDepth() int {
	if c.SearchDepth <= 0 {
		return DefaultSearchDepth
	}
	return c.SearchDepth
}

// Outcome reports what ApplyConfirmedMessage did.
type Outcome struct {
	// Applied is false when the confirmation's conversation is unknown.
	Applied bool
	// RetiredProvisionalID is the provisional id the confirmation replaced,
	// empty when the confirmed message was simply appended.
	RetiredProvisionalID string
}

// ApplyConfirmedMessage merges a server-confirmed message into the snapshot.
// When a matching provisional record exists it is deleted, the confirmed
// record takes its slot in the conversation's ordered id list, and the
// confirmed record keeps a back-reference to the provisional id. Without a
// match the confirmed message is appended. The conversation ends up with
// exactly one record for the send, under the server id.
func ApplyConfirmedMessage(snapshot entity.Snapshot, confirmed entity.Message, cfg Config) (entity.Snapshot, Outcome) {
	conversation, ok := snapshot.Conversations[confirmed.ConversationID]
	if !ok {
		return snapshot, Outcome{}
	}
	if confirmed.ScenarioID == "" {
		confirmed.ScenarioID = conversation.ScenarioID
	}

	// Confirmation for a message we already hold: refresh the record in place.
	if _, exists := snapshot.Messages[confirmed.ID]; exists {
		existing := snapshot.Messages[confirmed.ID]
		confirmed.LocalEchoID = existing.LocalEchoID
		snapshot.Messages[confirmed.ID] = confirmed
		return snapshot, Outcome{Applied: true}
	}

	provisionalID, slot := findProvisionalMatch(snapshot, conversation, confirmed, cfg)
	if provisionalID == "" {
		snapshot.Messages[confirmed.ID] = confirmed
		conversation.MessageIDs = append(conversation.MessageIDs, confirmed.ID)
		if confirmed.CreatedAt > conversation.UpdatedAt {
			conversation.UpdatedAt = confirmed.CreatedAt
		}
		snapshot.Conversations[conversation.ID] = conversation
		return snapshot, Outcome{Applied: true}
	}

	delete(snapshot.Messages, provisionalID)
	confirmed.LocalEchoID = provisionalID
	snapshot.Messages[confirmed.ID] = confirmed
	conversation.MessageIDs[slot] = confirmed.ID
	if confirmed.CreatedAt > conversation.UpdatedAt {
		conversation.UpdatedAt = confirmed.CreatedAt
	}
	snapshot.Conversations[conversation.ID] = conversation
	return snapshot, Outcome{Applied: true, RetiredProvisionalID: provisionalID}
}

// findProvisionalMatch scans the conversation's recent ids newest first for a
// sending message from the confirmation's sender that the heuristics accept.
func findProvisionalMatch(snapshot entity.Snapshot, conversation entity.Conversation, confirmed entity.Message, cfg Config) (string, int) {
	depth := cfg.searchDepth()
	window := cfg.windowSeconds()
	scanned := 0
	for i := len(conversation.MessageIDs) - 1; i >= 0 && scanned < depth; i-- {
		scanned++
		candidateID := conversation.MessageIDs[i]
		candidate, ok := snapshot.Messages[candidateID]
		if !ok {
			continue
		}
		if candidate.ClientStatus != entity.ClientStatusSending {
			continue
		}
		if candidate.SenderProfileID != confirmed.SenderProfileID {
			continue
		}
		if !withinWindow(candidate.CreatedAt, confirmed.CreatedAt, window) {
			continue
		}
		if matchesContent(candidate, confirmed) {
			return candidateID, i
		}
	}
	return "", -1
}

func matchesContent(candidate, confirmed entity.Message) bool {
	if confirmed.Text != "" {
		return candidate.Text == confirmed.Text
	}
	// Image-only sends match on the presence of attachments; URLs differ once
	// the server re-hosts the upload.
	return candidate.Text == "" && len(candidate.ImageURLs) > 0 && len(confirmed.ImageURLs) > 0
}

func withinWindow(candidateAt, confirmedAt, window int64) bool {
	delta := confirmedAt - candidateAt
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}
