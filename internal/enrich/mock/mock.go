// Package mock provides keyword-driven reference implementations of the
// enrichment collaborator contracts. They are deterministic, which keeps
// pipeline behavior reproducible in tests and local runs; production
// deployments swap in real classifiers behind the same interfaces.
package mock

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/social-graph-engine/internal/enrich"
	"github.com/social-graph-engine/internal/graph"
)

// EmbeddingDim is the vector size the mock embedder produces.
const EmbeddingDim = 384

// NewSuite bundles one instance of every mock collaborator.
func NewSuite() enrich.Suite {
	return enrich.Suite{
		Spam:         NewSpam(),
		Emoji:        NewEmoji(),
		Topic:        NewTopic(),
		Embedding:    NewEmbedding(),
		Sentiment:    NewSentiment(),
		Toxicity:     NewToxicity(),
		Relationship: NewRelationship(),
	}
}

// SeedTopics returns the static topic population matching the mock
// classifier's keyword sets.
func SeedTopics() []graph.Topic {
	seeds := []graph.Topic{
		{ID: 1, Name: "Technology Discussion", Keywords: []string{"tech", "software", "ai", "programming", "code"}},
		{ID: 2, Name: "Social Events", Keywords: []string{"party", "meetup", "event", "gathering", "celebration"}},
		{ID: 3, Name: "Work Projects", Keywords: []string{"project", "deadline", "meeting", "work", "office"}},
		{ID: 4, Name: "Personal Life", Keywords: []string{"family", "personal", "life", "weekend", "home"}},
	}
	for i := range seeds {
		seeds[i].Embedding = pseudoEmbedding(seeds[i].Name)
		seeds[i].LastUpdated = time.Now()
	}
	return seeds
}

// Spam flags messages containing known spam phrases.
type Spam struct {
	indicators []string
}

// NewSpam creates the spam detector.
func NewSpam() *Spam {
	return &Spam{
		indicators: []string{"buy now", "click here", "free money", "act fast", "limited time"},
	}
}

// Detect returns one verdict per input text, index-aligned.
func (s *Spam) Detect(_ context.Context, texts []string) ([]graph.SpamResult, error) {
	results := make([]graph.SpamResult, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		var reasons []string
		for _, ind := range s.indicators {
			if strings.Contains(lower, ind) {
				reasons = append(reasons, "contains_spam_keywords")
				break
			}
		}
		results[i] = graph.SpamResult{
			IsSpam:     len(reasons) > 0,
			Confidence: 0.9,
			Reasons:    reasons,
		}
	}
	return results, nil
}

// Emoji replaces known emoji glyphs with descriptive tokens.
type Emoji struct {
	glyphs map[string]string
}

// NewEmoji creates the emoji normalizer.
func NewEmoji() *Emoji {
	return &Emoji{glyphs: map[string]string{
		"😊":  "smiling",
		"😢":  "crying",
		"😠":  "angry",
		"🎉":  "celebration",
		"❤️": "love",
		"👍":  "thumbs up",
		"👎":  "thumbs down",
		"🔥":  "fire",
		"💯":  "hundred",
		"😂":  "laughing",
	}}
}

// Normalize is 1:1 with its input and order-preserving.
func (e *Emoji) Normalize(_ context.Context, texts []string) ([]string, error) {
	out := make([]string, len(texts))
	for i, text := range texts {
		for glyph, word := range e.glyphs {
			text = strings.ReplaceAll(text, glyph, " "+word+" ")
		}
		out[i] = strings.Join(strings.Fields(text), " ")
	}
	return out, nil
}

type topicSeed struct {
	id       int64
	name     string
	keywords []string
}

// Topic classifies by keyword overlap against the seeded topics.
type Topic struct {
	topics []topicSeed
}

// NewTopic creates the topic classifier over the seed population.
func NewTopic() *Topic {
	var seeds []topicSeed
	for _, t := range SeedTopics() {
		seeds = append(seeds, topicSeed{id: t.ID, name: t.Name, keywords: t.Keywords})
	}
	return &Topic{topics: seeds}
}

// Classify assigns the best-scoring topic per text, or marks long
// unmatched texts as candidate new topics.
func (t *Topic) Classify(_ context.Context, texts []string) ([]graph.TopicResult, error) {
	results := make([]graph.TopicResult, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)

		var best *topicSeed
		bestScore := 0
		for j := range t.topics {
			score := 0
			for _, kw := range t.topics[j].keywords {
				if strings.Contains(lower, kw) {
					score++
				}
			}
			if score > bestScore {
				bestScore = score
				best = &t.topics[j]
			}
		}

		res := graph.TopicResult{Confidence: 0.3}
		if best != nil {
			id := best.id
			res.TopicID = &id
			res.TopicName = best.name
			res.Confidence = 0.7 + float64(bestScore)*0.1
			if res.Confidence > 1 {
				res.Confidence = 1
			}
		} else if len(text) > 20 {
			res.IsNewTopic = true
			res.TopicName = "Uncategorized Discussion"
		}
		results[i] = res
	}
	return results, nil
}

// Embedding produces deterministic pseudo-vectors derived from the text.
type Embedding struct{}

// NewEmbedding creates the embedder.
func NewEmbedding() *Embedding { return &Embedding{} }

// Embed returns one vector per text, index-aligned.
func (e *Embedding) Embed(_ context.Context, texts []string) ([]graph.EmbeddingResult, error) {
	results := make([]graph.EmbeddingResult, len(texts))
	for i, text := range texts {
		results[i] = graph.EmbeddingResult{
			Embedding:  pseudoEmbedding(text),
			Confidence: 0.9,
		}
	}
	return results, nil
}

// Sentiment classifies by keyword polarity and biases the contextual
// label by the pair's relationship and window tone.
type Sentiment struct {
	positive []string
	negative []string
}

// NewSentiment creates the sentiment analyzer.
func NewSentiment() *Sentiment {
	return &Sentiment{
		positive: []string{"good", "great", "awesome", "love", "excellent", "amazing", "celebration", "smiling"},
		negative: []string{"bad", "terrible", "hate", "awful", "worst", "angry", "crying"},
	}
}

// AnalyzeWithContext returns one result per text, index-aligned with both
// inputs.
func (s *Sentiment) AnalyzeWithContext(_ context.Context, texts []string, contexts []graph.MessageContext) ([]graph.SentimentResult, error) {
	results := make([]graph.SentimentResult, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		base := graph.SentimentNeutral
		if containsAny(lower, s.positive) {
			base = graph.SentimentPositive
		} else if containsAny(lower, s.negative) {
			base = graph.SentimentNegative
		}

		contextual := base
		influence := "neutral"
		var influencing []int64
		if i < len(contexts) {
			mc := contexts[i]
			if mc.Relationship != nil && mc.Relationship.Type == graph.RelationshipFriendly {
				influence = "strengthened"
				if base == graph.SentimentNeutral {
					contextual = graph.SentimentPositive
				}
			}
			if mc.Window != nil {
				for _, wm := range mc.Window.Messages {
					influencing = append(influencing, wm.ID)
				}
				if mc.Window.DominantTone == graph.SentimentNegative && base == graph.SentimentNeutral {
					contextual = graph.SentimentNegative
					influence = "weakened"
				}
			}
		}

		results[i] = graph.SentimentResult{
			Base:                  base,
			Contextual:            contextual,
			Confidence:            0.8,
			RelationshipInfluence: influence,
			InfluencingMessageIDs: influencing,
		}
	}
	return results, nil
}

// Toxicity scores by toxic keyword matches.
type Toxicity struct {
	words []string
}

// NewToxicity creates the toxicity scorer.
func NewToxicity() *Toxicity {
	return &Toxicity{words: []string{"hate", "stupid", "idiot", "kill", "die"}}
}

// Score returns one score per text, index-aligned.
func (t *Toxicity) Score(_ context.Context, texts []string) ([]graph.ToxicityResult, error) {
	results := make([]graph.ToxicityResult, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		score := 0.05
		var categories []string
		if containsAny(lower, t.words) {
			score = 0.8
			categories = []string{"hate_speech", "harassment"}
		}
		results[i] = graph.ToxicityResult{
			Score:      score,
			Categories: categories,
			Confidence: 0.9,
		}
	}
	return results, nil
}

// Relationship derives per-pair updates from the message contexts.
type Relationship struct{}

// NewRelationship creates the relationship scorer.
func NewRelationship() *Relationship { return &Relationship{} }

// UpdateRelationships groups contexts by unordered sender/recipient pair
// and emits one update per pair.
func (r *Relationship) UpdateRelationships(_ context.Context, contexts []graph.MessageContext) ([]graph.RelationshipUpdate, error) {
	type pair struct {
		a, b int64
	}
	grouped := make(map[pair][]graph.MessageContext)
	for _, mc := range contexts {
		for _, recipient := range mc.RecipientIDs {
			if recipient == mc.SenderID {
				continue
			}
			a, b := mc.SenderID, recipient
			if a > b {
				a, b = b, a
			}
			grouped[pair{a, b}] = append(grouped[pair{a, b}], mc)
		}
	}

	updates := make([]graph.RelationshipUpdate, 0, len(grouped))
	for p, pairContexts := range grouped {
		tone := 0.0
		var trend []float64
		for _, mc := range pairContexts {
			if mc.Window != nil {
				switch mc.Window.DominantTone {
				case graph.SentimentPositive:
					tone++
					trend = append(trend, 0.5)
				case graph.SentimentNegative:
					tone--
					trend = append(trend, -0.5)
				default:
					trend = append(trend, 0)
				}
			}
		}

		delta := 0.01 * float64(len(pairContexts))
		if tone < 0 {
			delta = -delta
		}
		upd := graph.RelationshipUpdate{
			PairKey:       graph.PairKey(p.a, p.b),
			UserA:         p.a,
			UserB:         p.b,
			StrengthDelta: delta,
			Patterns: graph.PatternSample{
				AvgResponseTime:   5,
				InitiationBalance: 0,
				SentimentTrend:    trend,
			},
		}
		if delta > 0.03 {
			upd.TypeChange = string(graph.RelationshipFriendly)
			upd.Triggers = []string{"positive_interaction"}
		}
		updates = append(updates, upd)
	}

	// Stable output order keeps apply logs and tests reproducible.
	sort.Slice(updates, func(i, j int) bool { return updates[i].PairKey < updates[j].PairKey })
	return updates, nil
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// pseudoEmbedding expands an FNV hash of the text into a fixed-size unit
// vector. Deterministic by construction.
func pseudoEmbedding(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	state := h.Sum64()

	vec := make([]float32, EmbeddingDim)
	for i := range vec {
		// xorshift64 over the hash state
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		vec[i] = float32(int64(state%2000)-1000) / 2000
	}
	return vec
}
