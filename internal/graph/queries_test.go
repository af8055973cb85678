package graph

import (
	"testing"
)

func seedConversation(t *testing.T, s *Store) {
	t.Helper()
	replyTo := int64(1)
	msgs := []IncomingMessage{
		{ID: 1, UserID: 1, Text: "opening move", Timestamp: at(0)},
		{ID: 2, UserID: 2, Text: "reply move", Timestamp: at(10), ReplyToID: &replyTo},
		{ID: 3, UserID: 3, Text: "bystander", Timestamp: at(20)},
	}
	if _, err := s.ApplyBatch(1, msgs, Enrichment{}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
}

func TestMessageContextRecipientsFromReply(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s)

	replyTo := int64(1)
	contexts := s.MessageContexts([]IncomingMessage{{
		ID:        4,
		UserID:    2,
		Text:      "another reply",
		Timestamp: at(30),
		ReplyToID: &replyTo,
	}})

	if len(contexts) != 1 {
		t.Fatalf("Expected 1 context, got %d", len(contexts))
	}
	mc := contexts[0]
	if mc.SenderID != 2 {
		t.Errorf("SenderID = %d", mc.SenderID)
	}
	if len(mc.RecipientIDs) == 0 || mc.RecipientIDs[0] != 1 {
		t.Errorf("Reply target's sender must lead recipients, got %v", mc.RecipientIDs)
	}
	for _, id := range mc.RecipientIDs {
		if id == 2 {
			t.Error("Sender must never be its own recipient")
		}
	}
}

func TestMessageContextRecipientsFromRecency(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s)

	contexts := s.MessageContexts([]IncomingMessage{{
		ID:        4,
		UserID:    9, // unseen sender, no reply target
		Text:      "hello everyone",
		Timestamp: at(30),
	}})

	mc := contexts[0]
	if len(mc.RecipientIDs) != 3 {
		t.Fatalf("Expected the 3 recent users, got %v", mc.RecipientIDs)
	}
	// Recent-first: the latest sender comes first.
	if mc.RecipientIDs[0] != 3 {
		t.Errorf("Most recent user must lead, got %v", mc.RecipientIDs)
	}
}

func TestMessageContextCarriesRelationshipAndWindow(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s)

	enr := Enrichment{Relationships: []RelationshipUpdate{{
		UserA: 1, UserB: 2, StrengthDelta: 0.4,
	}}}
	if _, err := s.ApplyBatch(1, nil, enr); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	replyTo := int64(1)
	contexts := s.MessageContexts([]IncomingMessage{{
		ID: 4, UserID: 2, Text: "follow-up", Timestamp: at(40), ReplyToID: &replyTo,
	}})

	mc := contexts[0]
	if mc.Relationship == nil {
		t.Fatal("Expected the pair relationship in context")
	}
	if mc.Relationship.Strength != 0.4 {
		t.Errorf("Relationship strength = %f", mc.Relationship.Strength)
	}
	if mc.Window == nil {
		t.Fatal("Expected the pair context window")
	}
	if mc.Window.PairKey != PairKey(1, 2) {
		t.Errorf("Window pair = %q", mc.Window.PairKey)
	}

	// Mutating the returned context must not reach the store.
	mc.Relationship.Strength = 0.99
	mc.Window.Messages = nil
	rel, _ := s.Relationship(1, 2)
	if rel.Strength != 0.4 {
		t.Error("Context relationship aliases store state")
	}
}

func TestExportGraphIsSnapshot(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s)

	export := s.ExportGraph()
	if len(export.Messages) != 3 {
		t.Errorf("Exported %d messages, expected 3", len(export.Messages))
	}
	if len(export.Users) != 3 {
		t.Errorf("Exported %d users, expected 3", len(export.Users))
	}
	if len(export.Topics) != len(testTopics) {
		t.Errorf("Exported %d topics", len(export.Topics))
	}
	if export.Stats.TotalMessages != 3 {
		t.Errorf("Export stats = %+v", export.Stats)
	}

	// The snapshot is detached: later applies must not change it.
	more := []IncomingMessage{{ID: 9, UserID: 9, Text: "afterwards", Timestamp: at(99)}}
	if _, err := s.ApplyBatch(1, more, Enrichment{}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if len(export.Messages) != 3 {
		t.Error("Snapshot grew after a later apply")
	}
}

func TestLookupsMissReturnFalse(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.Message(1); ok {
		t.Error("Missing message lookup must report false")
	}
	if _, ok := s.User(1); ok {
		t.Error("Missing user lookup must report false")
	}
	if _, ok := s.Conversation("conv_x"); ok {
		t.Error("Missing conversation lookup must report false")
	}
	if _, ok := s.Relationship(1, 2); ok {
		t.Error("Missing relationship lookup must report false")
	}
}
