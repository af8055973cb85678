package graph

// Enrichment collaborator results. Each slice is index-aligned with the
// batch of surviving messages; MessageID is filled by the orchestrator so
// collaborators only reason about positions.

// SpamResult is the per-message spam verdict.
type SpamResult struct {
	MessageID  int64    `json:"message_id"`
	IsSpam     bool     `json:"is_spam"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

// TopicResult assigns a message to a seeded topic, or marks it
// uncategorized / candidate-new.
type TopicResult struct {
	MessageID  int64   `json:"message_id"`
	TopicID    *int64  `json:"topic_id,omitempty"`
	TopicName  string  `json:"topic_name,omitempty"`
	Confidence float64 `json:"confidence"`
	IsNewTopic bool    `json:"is_new_topic"`
}

// EmbeddingResult carries the numeric vector for a message.
type EmbeddingResult struct {
	MessageID  int64     `json:"message_id"`
	Embedding  []float32 `json:"embedding"`
	Confidence float64   `json:"confidence"`
}

// SentimentResult is the contextual sentiment verdict for a message.
type SentimentResult struct {
	MessageID             int64   `json:"message_id"`
	Base                  string  `json:"base"`
	Contextual            string  `json:"contextual"`
	Confidence            float64 `json:"confidence"`
	RelationshipInfluence string  `json:"relationship_influence"`
	InfluencingMessageIDs []int64 `json:"influencing_message_ids,omitempty"`
}

// ToxicityResult scores a message for toxicity.
type ToxicityResult struct {
	MessageID  int64    `json:"message_id"`
	Score      float64  `json:"score"`
	Categories []string `json:"categories,omitempty"`
	Confidence float64  `json:"confidence"`
}

// PatternSample is the relationship scorer's fresh observation of a pair's
// communication patterns, merged into the stored record on apply.
type PatternSample struct {
	AvgResponseTime   float64   `json:"avg_response_time"`
	InitiationBalance float64   `json:"initiation_balance"`
	SentimentTrend    []float64 `json:"sentiment_trend,omitempty"`
}

// RelationshipUpdate adjusts one user pair. PairKey is the canonical
// sorted key; UserA < UserB numerically.
type RelationshipUpdate struct {
	PairKey       string        `json:"pair_key"`
	UserA         int64         `json:"user_a"`
	UserB         int64         `json:"user_b"`
	StrengthDelta float64       `json:"strength_delta"`
	TypeChange    string        `json:"type_change,omitempty"`
	Patterns      PatternSample `json:"patterns"`
	Triggers      []string      `json:"triggers,omitempty"`
}

// MessageContext is what the context-retrieval stage assembles per message
// from the store, and what the sentiment and relationship collaborators
// consume. All optional fields are explicit.
type MessageContext struct {
	MessageID          int64             `json:"message_id"`
	SenderID           int64             `json:"sender_id"`
	RecipientIDs       []int64           `json:"recipient_ids,omitempty"`
	Relationship       *UserRelationship `json:"relationship,omitempty"`
	Window             *ContextWindow    `json:"window,omitempty"`
	TopicParticipation []int64           `json:"topic_participation,omitempty"`
}

// Enrichment bundles the combined stage results for a batch apply.
// Embeddings, Sentiments, Toxicity and Topics are index-aligned with the
// surviving messages; Relationships are keyed by pair.
type Enrichment struct {
	Embeddings    []EmbeddingResult
	Sentiments    []SentimentResult
	Toxicity      []ToxicityResult
	Topics        []TopicResult
	Relationships []RelationshipUpdate
}
