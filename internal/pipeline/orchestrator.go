// Package pipeline implements the enrichment orchestrator: it consumes
// ready batches one at a time, runs the ordered stage sequence with a
// parallel fan-out, and applies the combined result to the graph store
// under single-writer discipline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/social-graph-engine/internal/accumulator"
	"github.com/social-graph-engine/internal/cache"
	"github.com/social-graph-engine/internal/enrich"
	"github.com/social-graph-engine/internal/graph"
	"github.com/social-graph-engine/internal/jsonx"
)

// Stage names, used in failure signals so operators can replay or
// discard with context.
const (
	StageValidate     = "validate"
	StageSpamFilter   = "spam-filter"
	StageEmoji        = "emoji-normalize"
	StageContext      = "context-retrieval"
	StageTopic        = "topic-classify"
	StageEmbedding    = "embedding"
	StageSentiment    = "sentiment"
	StageToxicity     = "toxicity"
	StageRelationship = "relationship"
	StageApply        = "graph-apply"
)

// MinTextLength is the validation floor; shorter messages are noise.
const MinTextLength = 3

var urlOnlyPattern = regexp.MustCompile(`^https?://\S+$`)

// StageError marks a batch failure in a named enrichment stage. The
// batch is not re-queued: at-most-once on failure.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ProcessedSignal is emitted to monitors after a batch lands in the graph.
type ProcessedSignal struct {
	ChannelID   int64       `json:"channel_id"`
	Processed   int         `json:"processed"`
	Dropped     int         `json:"dropped"`
	Stats       graph.Stats `json:"stats"`
	CompletedAt time.Time   `json:"completed_at"`
}

// FailureSignal is emitted when a batch fails; it carries enough context
// for an operator to replay or discard.
type FailureSignal struct {
	ChannelID int64     `json:"channel_id"`
	BatchSize int       `json:"batch_size"`
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// Status reports the orchestrator's current state for monitors.
type Status struct {
	Processing      bool      `json:"processing"`
	PendingBatches  int       `json:"pending_batches"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// Orchestrator runs at most one batch at a time. Batches arriving while
// one is in flight queue in arrival order and drain before the
// orchestrator goes idle again.
type Orchestrator struct {
	store  *graph.Store
	suite  enrich.Suite
	topics *cache.L1Cache // optional classification cache
	logger *zap.Logger

	mu              sync.Mutex
	processing      bool
	pending         []accumulator.Batch
	lastProcessedAt time.Time

	processed chan ProcessedSignal
	failures  chan FailureSignal
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTopicCache makes the topic stage reuse classifications of texts it
// has already seen.
func WithTopicCache(c *cache.L1Cache) Option {
	return func(o *Orchestrator) { o.topics = c }
}

// New creates an orchestrator over the given store and collaborator suite.
func New(store *graph.Store, suite enrich.Suite, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		suite:     suite,
		logger:    logger.Named("pipeline"),
		processed: make(chan ProcessedSignal, 16),
		failures:  make(chan FailureSignal, 16),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Processed is the Batch-Processed signal channel for monitors.
func (o *Orchestrator) Processed() <-chan ProcessedSignal { return o.processed }

// Failures is the failure signal channel for monitors.
func (o *Orchestrator) Failures() <-chan FailureSignal { return o.failures }

// Status returns the current processing state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Processing:      o.processing,
		PendingBatches:  len(o.pending),
		LastProcessedAt: o.lastProcessedAt,
	}
}

// Run consumes Batch-Ready signals until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context, ready <-chan accumulator.Batch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-ready:
			if !ok {
				return
			}
			o.OnBatchReady(ctx, batch)
		}
	}
}

// OnBatchReady enriches one batch, or defers it when a batch is already
// in flight. After the in-flight batch completes, deferred batches drain
// in arrival order before the orchestrator returns to idle.
func (o *Orchestrator) OnBatchReady(ctx context.Context, batch accumulator.Batch) {
	o.mu.Lock()
	if o.processing {
		o.pending = append(o.pending, batch)
		o.logger.Debug("Batch deferred",
			zap.Int64("channel_id", batch.ChannelID),
			zap.Int("pending", len(o.pending)))
		o.mu.Unlock()
		return
	}
	o.processing = true
	o.mu.Unlock()

	o.runOne(ctx, batch)

	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			o.processing = false
			o.mu.Unlock()
			return
		}
		next := o.pending[0]
		o.pending = o.pending[1:]
		o.mu.Unlock()

		o.runOne(ctx, next)
	}
}

func (o *Orchestrator) runOne(ctx context.Context, batch accumulator.Batch) {
	start := time.Now()
	err := o.processBatch(ctx, batch)

	o.mu.Lock()
	o.lastProcessedAt = time.Now()
	o.mu.Unlock()

	if err != nil {
		stage := "unknown"
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage
		}
		o.logger.Error("Batch failed",
			zap.Int64("channel_id", batch.ChannelID),
			zap.String("stage", stage),
			zap.Error(err))
		o.emitFailure(FailureSignal{
			ChannelID: batch.ChannelID,
			BatchSize: len(batch.Payloads),
			Stage:     stage,
			Reason:    err.Error(),
			FailedAt:  time.Now(),
		})
		return
	}

	o.logger.Debug("Batch completed",
		zap.Int64("channel_id", batch.ChannelID),
		zap.Duration("took", time.Since(start)))
}

// processBatch runs the stage sequence on one batch. Stages 1 and 2 only
// shrink the batch; an empty batch after either short-circuits the rest.
// A fan-out failure fails the whole batch before any graph mutation.
func (o *Orchestrator) processBatch(ctx context.Context, batch accumulator.Batch) error {
	total := len(batch.Payloads)

	// Stage 1: validate & filter. Pure and total.
	msgs, texts := validateAndFilter(batch.Payloads)
	o.logger.Debug("Validation complete",
		zap.Int64("channel_id", batch.ChannelID),
		zap.Int("survived", len(msgs)),
		zap.Int("total", total))
	if len(msgs) == 0 {
		o.notify(batch.ChannelID, 0, total)
		return nil
	}

	// Stage 2: spam filter.
	spamResults, err := o.suite.Spam.Detect(ctx, texts)
	if err != nil {
		return &StageError{Stage: StageSpamFilter, Err: err}
	}
	if len(spamResults) != len(texts) {
		return &StageError{Stage: StageSpamFilter, Err: fmt.Errorf("got %d results for %d texts", len(spamResults), len(texts))}
	}
	msgs, texts = dropSpam(msgs, texts, spamResults)
	if len(msgs) == 0 {
		o.notify(batch.ChannelID, 0, total)
		return nil
	}

	// Stage 3: emoji normalization, 1:1 and order-preserving.
	normalized, err := o.suite.Emoji.Normalize(ctx, texts)
	if err != nil {
		return &StageError{Stage: StageEmoji, Err: err}
	}
	if len(normalized) != len(texts) {
		return &StageError{Stage: StageEmoji, Err: fmt.Errorf("got %d texts for %d inputs", len(normalized), len(texts))}
	}
	texts = normalized

	// Stage 4: context retrieval. Read-only against the store.
	contexts := o.store.MessageContexts(msgs)

	// Stage 5: topic classification.
	topicResults, err := o.classifyTopics(ctx, msgs, texts)
	if err != nil {
		return &StageError{Stage: StageTopic, Err: err}
	}

	// Stage 6: parallel fan-out. Join, not race: all four settle before
	// we proceed, and one failure discards every partial result.
	enr, err := o.fanOut(ctx, msgs, texts, contexts)
	if err != nil {
		return err
	}
	enr.Topics = topicResults

	// Stage 7: atomic graph apply.
	applied, err := o.store.ApplyBatch(batch.ChannelID, msgs, enr)
	if err != nil {
		return &StageError{Stage: StageApply, Err: err}
	}

	// Stage 8: notify.
	o.notify(batch.ChannelID, applied, total-applied)
	return nil
}

func (o *Orchestrator) fanOut(ctx context.Context, msgs []graph.IncomingMessage, texts []string, contexts []graph.MessageContext) (graph.Enrichment, error) {
	var (
		wg         sync.WaitGroup
		embeddings []graph.EmbeddingResult
		sentiments []graph.SentimentResult
		toxicity   []graph.ToxicityResult
		relUpdates []graph.RelationshipUpdate

		embedErr, sentErr, toxErr, relErr error
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		embeddings, embedErr = o.suite.Embedding.Embed(ctx, texts)
	}()
	go func() {
		defer wg.Done()
		sentiments, sentErr = o.suite.Sentiment.AnalyzeWithContext(ctx, texts, contexts)
	}()
	go func() {
		defer wg.Done()
		toxicity, toxErr = o.suite.Toxicity.Score(ctx, texts)
	}()
	go func() {
		defer wg.Done()
		relUpdates, relErr = o.suite.Relationship.UpdateRelationships(ctx, contexts)
	}()
	wg.Wait()

	switch {
	case embedErr != nil:
		return graph.Enrichment{}, &StageError{Stage: StageEmbedding, Err: embedErr}
	case sentErr != nil:
		return graph.Enrichment{}, &StageError{Stage: StageSentiment, Err: sentErr}
	case toxErr != nil:
		return graph.Enrichment{}, &StageError{Stage: StageToxicity, Err: toxErr}
	case relErr != nil:
		return graph.Enrichment{}, &StageError{Stage: StageRelationship, Err: relErr}
	}

	for i := range embeddings {
		if i < len(msgs) {
			embeddings[i].MessageID = msgs[i].ID
		}
	}
	for i := range sentiments {
		if i < len(msgs) {
			sentiments[i].MessageID = msgs[i].ID
		}
	}
	for i := range toxicity {
		if i < len(msgs) {
			toxicity[i].MessageID = msgs[i].ID
		}
	}

	return graph.Enrichment{
		Embeddings:    embeddings,
		Sentiments:    sentiments,
		Toxicity:      toxicity,
		Relationships: relUpdates,
	}, nil
}

// classifyTopics consults the classification cache per text and batches
// only the misses through the collaborator.
func (o *Orchestrator) classifyTopics(ctx context.Context, msgs []graph.IncomingMessage, texts []string) ([]graph.TopicResult, error) {
	results := make([]graph.TopicResult, len(texts))

	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if o.topics != nil {
			if data, ok := o.topics.Get(ctx, topicCacheKey(text)); ok {
				var cached graph.TopicResult
				if err := jsonx.Unmarshal(data, &cached); err == nil {
					results[i] = cached
					continue
				}
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		fresh, err := o.suite.Topic.Classify(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if len(fresh) != len(missTexts) {
			return nil, fmt.Errorf("got %d results for %d texts", len(fresh), len(missTexts))
		}
		for j, idx := range missIdx {
			results[idx] = fresh[j]
			if o.topics != nil {
				if data, err := jsonx.Marshal(fresh[j]); err == nil {
					o.topics.Set(ctx, topicCacheKey(missTexts[j]), data)
				}
			}
		}
	}

	for i := range results {
		results[i].MessageID = msgs[i].ID
	}
	return results, nil
}

func (o *Orchestrator) notify(channelID int64, processed, dropped int) {
	o.emitProcessed(ProcessedSignal{
		ChannelID:   channelID,
		Processed:   processed,
		Dropped:     dropped,
		Stats:       o.store.Stats(),
		CompletedAt: time.Now(),
	})
}

// emitProcessed never blocks batch processing on slow monitors.
func (o *Orchestrator) emitProcessed(sig ProcessedSignal) {
	select {
	case o.processed <- sig:
	default:
		o.logger.Debug("Processed signal dropped, no listener")
	}
}

func (o *Orchestrator) emitFailure(sig FailureSignal) {
	select {
	case o.failures <- sig:
	default:
		o.logger.Debug("Failure signal dropped, no listener")
	}
}

// validateAndFilter drops empty or whitespace-only text, text under the
// minimum length, command-prefixed text, and text that is solely a URL.
func validateAndFilter(payloads []accumulator.Payload) ([]graph.IncomingMessage, []string) {
	var msgs []graph.IncomingMessage
	var texts []string
	for _, p := range payloads {
		text := strings.TrimSpace(p.Text)
		if text == "" || len(text) < MinTextLength {
			continue
		}
		if strings.HasPrefix(text, "/") || strings.HasPrefix(text, "!") {
			continue
		}
		if urlOnlyPattern.MatchString(text) {
			continue
		}
		msgs = append(msgs, graph.IncomingMessage{
			ID:        p.ID,
			UserID:    p.UserID,
			Text:      p.Text,
			Timestamp: p.Time(),
			ReplyToID: p.ReplyToID,
		})
		texts = append(texts, p.Text)
	}
	return msgs, texts
}

func dropSpam(msgs []graph.IncomingMessage, texts []string, results []graph.SpamResult) ([]graph.IncomingMessage, []string) {
	keptMsgs := msgs[:0]
	keptTexts := texts[:0]
	for i := range msgs {
		if results[i].IsSpam {
			continue
		}
		keptMsgs = append(keptMsgs, msgs[i])
		keptTexts = append(keptTexts, texts[i])
	}
	return keptMsgs, keptTexts
}

func topicCacheKey(text string) string {
	return "topic:" + text
}
