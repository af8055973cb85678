// Package graph implements the in-memory social graph: messages, users,
// topics, conversations and relationships, plus the derived lookup indexes.
// The Store is the single long-lived shared mutable resource in the system;
// it is written only through ApplyBatch.
package graph

import "time"

// Sentiment labels produced by the sentiment collaborator.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// RelationshipType categorizes a user pair.
type RelationshipType string

const (
	RelationshipFriendly     RelationshipType = "friendly"
	RelationshipProfessional RelationshipType = "professional"
	RelationshipNeutral      RelationshipType = "neutral"
	RelationshipConflictual  RelationshipType = "conflictual"
	RelationshipUnknown      RelationshipType = "unknown"
)

// Response pattern classifications for a user's communication style.
const (
	ResponsePatternQuick    = "quick"
	ResponsePatternDelayed  = "delayed"
	ResponsePatternSporadic = "sporadic"
	ResponsePatternUnknown  = "unknown"
)

// IncomingMessage is the normalized event form handed to ApplyBatch.
// It carries only what survived the enrichment stages; the enrichment
// results arrive separately, index-aligned with the batch.
type IncomingMessage struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	ReplyToID *int64    `json:"reply_to_id,omitempty"`
}

// ContextualSentiment is the per-message sentiment sub-record, combining the
// base label with the context-adjusted interpretation.
type ContextualSentiment struct {
	Base                  string  `json:"base"`
	Contextual            string  `json:"contextual"`
	Confidence            float64 `json:"confidence"`
	RelationshipInfluence string  `json:"relationship_influence"`
	ContextMessageIDs     []int64 `json:"context_message_ids,omitempty"`
}

// Message is a graph entity. Created once per accepted event, enriched
// fields are filled during apply and frozen afterwards.
type Message struct {
	ID             int64               `json:"id"`
	Text           string              `json:"text"`
	UserID         int64               `json:"user_id"`
	Timestamp      time.Time           `json:"timestamp"`
	TopicID        *int64              `json:"topic_id,omitempty"`
	Embedding      []float32           `json:"embedding,omitempty"`
	Sentiment      string              `json:"sentiment"`
	Toxicity       float64             `json:"toxicity"`
	ReplyToID      *int64              `json:"reply_to_id,omitempty"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Contextual     ContextualSentiment `json:"contextual_sentiment"`
}

// CommunicationStyle is the running summary of how a user writes.
type CommunicationStyle struct {
	AvgMessageLength float64 `json:"avg_message_length"`
	EmojiRate        float64 `json:"emoji_rate"`
	ResponsePattern  string  `json:"response_pattern"`
	TopTopics        []int64 `json:"top_topics,omitempty"`
}

// User is created lazily on the first observed message from an unseen
// sender and mutated on every subsequent message. Never deleted.
type User struct {
	ID                  int64               `json:"id"`
	Name                string              `json:"name"`
	MessageIDs          map[int64]struct{}  `json:"-"`
	ActiveConversations map[string]struct{} `json:"-"`
	TopicParticipation  map[int64]int       `json:"topic_participation,omitempty"`
	LastActivity        time.Time           `json:"last_activity"`
	Style               CommunicationStyle  `json:"communication_style"`
}

// Topic population is static seed data in this phase; message and user
// associations accrue as messages are classified.
type Topic struct {
	ID              int64               `json:"id"`
	Name            string              `json:"name"`
	Keywords        []string            `json:"keywords,omitempty"`
	Embedding       []float32           `json:"embedding,omitempty"`
	MessageIDs      map[int64]struct{}  `json:"-"`
	UserIDs         map[int64]struct{}  `json:"-"`
	ConversationIDs map[string]struct{} `json:"-"`
	MessageCount    int                 `json:"message_count"`
	LastUpdated     time.Time           `json:"last_updated"`
	RelatedTopics   map[int64]struct{}  `json:"-"`
}

// FlowEntry is one step in a conversation's ordered message-flow log.
type FlowEntry struct {
	MessageID      int64     `json:"message_id"`
	UserID         int64     `json:"user_id"`
	Timestamp      time.Time `json:"timestamp"`
	ReplyToID      *int64    `json:"reply_to_id,omitempty"`
	SentimentShift *float64  `json:"sentiment_shift,omitempty"`
}

// Conversation groups messages. A reply inherits the conversation of its
// target when resolvable; otherwise a fresh identity is minted.
type Conversation struct {
	ID             string              `json:"id"`
	ParticipantIDs map[int64]struct{}  `json:"-"`
	MessageIDs     []int64             `json:"message_ids"`
	TopicIDs       map[int64]struct{}  `json:"-"`
	StartTime      time.Time           `json:"start_time"`
	LastActivity   time.Time           `json:"last_activity"`
	Active         bool                `json:"active"`
	Flow           []FlowEntry         `json:"flow,omitempty"`
}

// CommunicationPatterns summarizes how a user pair interacts.
type CommunicationPatterns struct {
	AvgResponseTime       float64            `json:"avg_response_time"`
	InitiationBalance     float64            `json:"initiation_balance"`
	TopicOverlap          map[int64]struct{} `json:"-"`
	ConversationFrequency float64            `json:"conversation_frequency"`
}

// EvolutionEntry is one step in a relationship's append-only history.
type EvolutionEntry struct {
	Timestamp time.Time        `json:"timestamp"`
	Strength  float64          `json:"strength"`
	Type      RelationshipType `json:"type"`
	Trigger   string           `json:"trigger,omitempty"`
}

// UserRelationship tracks an unordered user pair. The pair key is always
// the numerically sorted concatenation of the two ids, so exactly one
// record exists per pair.
type UserRelationship struct {
	UserA            int64                 `json:"user_a"`
	UserB            int64                 `json:"user_b"`
	Strength         float64               `json:"strength"`
	Type             RelationshipType      `json:"type"`
	InteractionCount int                   `json:"interaction_count"`
	SentimentHistory []float64             `json:"sentiment_history,omitempty"`
	Patterns         CommunicationPatterns `json:"patterns"`
	LastInteraction  time.Time             `json:"last_interaction"`
	Evolution        []EvolutionEntry      `json:"evolution,omitempty"`
}

// ContextMessage is one entry in a pair's rolling context window.
type ContextMessage struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	SenderID  int64     `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
	Sentiment string    `json:"sentiment,omitempty"`
}

// ContextWindow is the bounded recent-message history for a user pair,
// used to bias sentiment interpretation.
type ContextWindow struct {
	PairKey      string           `json:"pair_key"`
	Messages     []ContextMessage `json:"messages"`
	DominantTone string           `json:"dominant_tone"`
	TopicFlow    []int64          `json:"topic_flow,omitempty"`
	LastUpdated  time.Time        `json:"last_updated"`
}

// Stats is the summary recomputed from the authoritative maps after every
// apply. It is never incrementally drifted.
type Stats struct {
	TotalMessages        int       `json:"total_messages"`
	TotalUsers           int       `json:"total_users"`
	TotalTopics          int       `json:"total_topics"`
	ActiveConversations  int       `json:"active_conversations"`
	TrackedRelationships int       `json:"tracked_relationships"`
	StrongRelationships  int       `json:"strong_relationships"`
	LastProcessedAt      time.Time `json:"last_processed_at"`
}
