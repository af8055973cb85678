package graph

// Read surface of the Store. Every method here takes the read side of the
// store lock; ApplyBatch takes the write side, so monitors and the
// context-retrieval stage always observe a consistent graph.

const maxInferredRecipients = 5

// MessageContexts assembles the per-message context records the sentiment
// and relationship collaborators consume. Read-only.
func (s *Store) MessageContexts(msgs []IncomingMessage) []MessageContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contexts := make([]MessageContext, len(msgs))
	for i, in := range msgs {
		mc := MessageContext{
			MessageID: in.ID,
			SenderID:  in.UserID,
		}

		mc.RecipientIDs = s.inferRecipientsLocked(in)
		mc.Relationship = s.strongestRelationshipLocked(in.UserID)
		if len(mc.RecipientIDs) > 0 {
			key := PairKey(in.UserID, mc.RecipientIDs[0])
			if window, ok := s.contextWindows.Peek(key); ok {
				mc.Window = cloneWindow(window)
			}
		}
		if user, ok := s.users[in.UserID]; ok {
			for tid := range user.TopicParticipation {
				mc.TopicParticipation = append(mc.TopicParticipation, tid)
			}
		}

		contexts[i] = mc
	}
	return contexts
}

// inferRecipientsLocked guesses who a message addresses: the reply
// target's sender first, then the other participants of its conversation,
// then recently active users.
func (s *Store) inferRecipientsLocked(in IncomingMessage) []int64 {
	seen := map[int64]struct{}{in.UserID: {}}
	var recipients []int64
	add := func(id int64) {
		if _, dup := seen[id]; dup || len(recipients) >= maxInferredRecipients {
			return
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}

	if in.ReplyToID != nil {
		if target, ok := s.messages[*in.ReplyToID]; ok {
			add(target.UserID)
			if conv, ok := s.conversations[target.ConversationID]; ok {
				for pid := range conv.ParticipantIDs {
					add(pid)
				}
			}
		}
	}
	for _, msgID := range s.recentMessages {
		if len(recipients) >= maxInferredRecipients {
			break
		}
		if msg, ok := s.messages[msgID]; ok {
			add(msg.UserID)
		}
	}
	return recipients
}

func (s *Store) strongestRelationshipLocked(userID int64) *UserRelationship {
	var best *UserRelationship
	for key := range s.relationshipsByUser[userID] {
		rel, ok := s.relationships[key]
		if !ok {
			continue
		}
		if best == nil || rel.Strength > best.Strength {
			best = rel
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// Stats returns the summary recomputed at the end of the last apply.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Message returns a copy of the message with the given id.
func (s *Store) Message(id int64) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Conversation returns a copy of the conversation with the given id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *cloneConversation(conv), true
}

// User returns a copy of the user with the given id.
func (s *Store) User(id int64) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return *cloneUser(user), true
}

// Relationship returns a copy of the record for an unordered user pair.
func (s *Store) Relationship(a, b int64) (UserRelationship, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.relationships[PairKey(a, b)]
	if !ok {
		return UserRelationship{}, false
	}
	return *rel, true
}

// StrongRelationships returns the pair keys whose strength is above the
// fixed threshold.
func (s *Store) StrongRelationships() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.strongRelationships))
	for key := range s.strongRelationships {
		keys = append(keys, key)
	}
	return keys
}

// Export is a consistent point-in-time snapshot of the whole graph.
type Export struct {
	Messages       []Message          `json:"messages"`
	Users          []User             `json:"users"`
	Topics         []Topic            `json:"topics"`
	Conversations  []Conversation     `json:"conversations"`
	Relationships  []UserRelationship `json:"relationships"`
	ContextWindows []ContextWindow    `json:"context_windows"`
	RecentMessages []int64            `json:"recent_messages"`
	Stats          Stats              `json:"stats"`
}

// ExportGraph deep-copies the aggregate for visualization and debugging.
func (s *Store) ExportGraph() *Export {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &Export{
		Messages:       make([]Message, 0, len(s.messages)),
		Users:          make([]User, 0, len(s.users)),
		Topics:         make([]Topic, 0, len(s.topics)),
		Conversations:  make([]Conversation, 0, len(s.conversations)),
		Relationships:  make([]UserRelationship, 0, len(s.relationships)),
		RecentMessages: append([]int64(nil), s.recentMessages...),
		Stats:          s.stats,
	}
	for _, msg := range s.messages {
		out.Messages = append(out.Messages, *msg)
	}
	for _, user := range s.users {
		out.Users = append(out.Users, *cloneUser(user))
	}
	for _, topic := range s.topics {
		out.Topics = append(out.Topics, *topic)
	}
	for _, conv := range s.conversations {
		out.Conversations = append(out.Conversations, *cloneConversation(conv))
	}
	for _, rel := range s.relationships {
		out.Relationships = append(out.Relationships, *rel)
	}
	for _, key := range s.contextWindows.Keys() {
		if window, ok := s.contextWindows.Peek(key); ok {
			out.ContextWindows = append(out.ContextWindows, *cloneWindow(window))
		}
	}
	return out
}

func cloneUser(user *User) *User {
	cp := *user
	cp.TopicParticipation = cloneCounts(user.TopicParticipation)
	cp.Style.TopTopics = append([]int64(nil), user.Style.TopTopics...)
	return &cp
}

func cloneConversation(conv *Conversation) *Conversation {
	cp := *conv
	cp.MessageIDs = append([]int64(nil), conv.MessageIDs...)
	cp.Flow = append([]FlowEntry(nil), conv.Flow...)
	return &cp
}

func cloneWindow(window *ContextWindow) *ContextWindow {
	cp := *window
	cp.Messages = append([]ContextMessage(nil), window.Messages...)
	cp.TopicFlow = append([]int64(nil), window.TopicFlow...)
	return &cp
}

func cloneCounts(m map[int64]int) map[int64]int {
	cp := make(map[int64]int, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
