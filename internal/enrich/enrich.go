// Package enrich defines the collaborator contracts for the enrichment
// stages. Each collaborator takes the normalized text array (and, where
// relevant, the context array) and returns an index-aligned result array.
// Any implementation satisfying a contract is acceptable; the keyword
// reference implementations live in the mock subpackage.
package enrich

import (
	"context"

	"github.com/social-graph-engine/internal/graph"
)

// SpamDetector flags messages to drop before enrichment.
type SpamDetector interface {
	Detect(ctx context.Context, texts []string) ([]graph.SpamResult, error)
}

// EmojiNormalizer maps emoji glyphs to descriptive tokens, 1:1 with the
// input and order-preserving.
type EmojiNormalizer interface {
	Normalize(ctx context.Context, texts []string) ([]string, error)
}

// TopicClassifier assigns each message a seeded topic, or marks it
// uncategorized / candidate-new. Independent across messages.
type TopicClassifier interface {
	Classify(ctx context.Context, texts []string) ([]graph.TopicResult, error)
}

// Embedder generates the numeric vector per message.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]graph.EmbeddingResult, error)
}

// SentimentAnalyzer produces contextual sentiment using the per-message
// context retrieved from the graph.
type SentimentAnalyzer interface {
	AnalyzeWithContext(ctx context.Context, texts []string, contexts []graph.MessageContext) ([]graph.SentimentResult, error)
}

// ToxicityScorer scores each message for toxicity.
type ToxicityScorer interface {
	Score(ctx context.Context, texts []string) ([]graph.ToxicityResult, error)
}

// RelationshipScorer derives per-pair relationship updates from the
// message contexts.
type RelationshipScorer interface {
	UpdateRelationships(ctx context.Context, contexts []graph.MessageContext) ([]graph.RelationshipUpdate, error)
}

// Suite bundles one implementation of every collaborator for wiring.
type Suite struct {
	Spam         SpamDetector
	Emoji        EmojiNormalizer
	Topic        TopicClassifier
	Embedding    Embedder
	Sentiment    SentimentAnalyzer
	Toxicity     ToxicityScorer
	Relationship RelationshipScorer
}
