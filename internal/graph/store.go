package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// StrongRelationshipThreshold is the strength above which a pair is
	// indexed in the strong-relationship set.
	StrongRelationshipThreshold = 0.7
	// MaxRecentMessages bounds the most-recent-first message index.
	MaxRecentMessages = 200
	// MaxContextWindowMessages bounds the rolling per-pair window.
	MaxContextWindowMessages = 10
	// MaxSentimentHistory bounds a relationship's sentiment sequence.
	MaxSentimentHistory = 20
	// MaxContextWindows caps how many pair windows are kept; the coldest
	// pair is evicted first.
	MaxContextWindows = 1024
	// TopTopicsN is how many topic ids the communication style keeps.
	TopTopicsN = 3

	quickResponseGap   = 2 * time.Minute
	delayedResponseGap = 30 * time.Minute
)

// PairKey returns the canonical key for an unordered user pair: the two
// ids sorted numerically and joined with an underscore.
func PairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d_%d", a, b)
}

// Store owns the graph aggregate. ApplyBatch is the only writer; reads go
// through the read side of the same lock, so external monitors always see
// a consistent graph.
type Store struct {
	mu sync.RWMutex

	messages      map[int64]*Message
	users         map[int64]*User
	topics        map[int64]*Topic
	conversations map[string]*Conversation
	relationships map[string]*UserRelationship

	// contextWindows holds the rolling per-pair conversation context. It
	// is bounded; eviction order is least-recently-touched pair.
	contextWindows *lru.Cache[string, *ContextWindow]

	// Derived indexes.
	messagesByUser         map[int64][]int64
	messagesByTopic        map[int64][]int64
	messagesByConversation map[string][]int64
	conversationsByUser    map[int64]map[string]struct{}
	relationshipsByUser    map[int64]map[string]struct{}
	strongRelationships    map[string]struct{}
	recentMessages         []int64

	stats  Stats
	logger *zap.Logger
}

// NewStore creates a store seeded with the static topic population.
func NewStore(seedTopics []Topic, logger *zap.Logger) (*Store, error) {
	windows, err := lru.New[string, *ContextWindow](MaxContextWindows)
	if err != nil {
		return nil, fmt.Errorf("failed to create context window cache: %w", err)
	}

	s := &Store{
		messages:               make(map[int64]*Message),
		users:                  make(map[int64]*User),
		topics:                 make(map[int64]*Topic),
		conversations:          make(map[string]*Conversation),
		relationships:          make(map[string]*UserRelationship),
		contextWindows:         windows,
		messagesByUser:         make(map[int64][]int64),
		messagesByTopic:        make(map[int64][]int64),
		messagesByConversation: make(map[string][]int64),
		conversationsByUser:    make(map[int64]map[string]struct{}),
		relationshipsByUser:    make(map[int64]map[string]struct{}),
		strongRelationships:    make(map[string]struct{}),
		logger:                 logger.Named("graph"),
	}

	for i := range seedTopics {
		t := seedTopics[i]
		if t.MessageIDs == nil {
			t.MessageIDs = make(map[int64]struct{})
		}
		if t.UserIDs == nil {
			t.UserIDs = make(map[int64]struct{})
		}
		if t.ConversationIDs == nil {
			t.ConversationIDs = make(map[string]struct{})
		}
		if t.RelatedTopics == nil {
			t.RelatedTopics = make(map[int64]struct{})
		}
		s.topics[t.ID] = &t
	}
	s.recomputeStatsLocked()

	return s, nil
}

// ApplyBatch folds one enriched batch into the graph. Events are applied
// in batch order; an event whose enrichment references an unresolvable
// identity is skipped on its own (the rest of the batch proceeds).
// Returns how many events were applied.
func (s *Store) ApplyBatch(channelID int64, msgs []IncomingMessage, enr Enrichment) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for i, in := range msgs {
		if err := s.applyMessageLocked(channelID, i, in, enr); err != nil {
			s.logger.Warn("Skipping inconsistent event",
				zap.Int64("message_id", in.ID),
				zap.Error(err))
			continue
		}
		applied++
	}

	for _, upd := range enr.Relationships {
		if err := s.applyRelationshipLocked(upd); err != nil {
			s.logger.Warn("Skipping inconsistent relationship update",
				zap.String("pair", upd.PairKey),
				zap.Error(err))
		}
	}

	// Stats come from the authoritative maps, never from per-event deltas.
	s.recomputeStatsLocked()

	s.logger.Info("Batch applied to graph",
		zap.Int64("channel_id", channelID),
		zap.Int("applied", applied),
		zap.Int("skipped", len(msgs)-applied),
		zap.Int("total_messages", s.stats.TotalMessages))

	return applied, nil
}

func (s *Store) applyMessageLocked(channelID int64, idx int, in IncomingMessage, enr Enrichment) error {
	// Resolve the topic first so an unresolvable reference skips the event
	// before any mutation happens.
	var topicID *int64
	if idx < len(enr.Topics) {
		tr := enr.Topics[idx]
		if tr.TopicID != nil {
			if _, ok := s.topics[*tr.TopicID]; !ok {
				return fmt.Errorf("topic %d not found", *tr.TopicID)
			}
			id := *tr.TopicID
			topicID = &id
		}
	}

	user := s.resolveUserLocked(in)
	convID := s.resolveConversationLocked(channelID, in)

	msg := &Message{
		ID:             in.ID,
		Text:           in.Text,
		UserID:         in.UserID,
		Timestamp:      in.Timestamp,
		TopicID:        topicID,
		ReplyToID:      in.ReplyToID,
		ConversationID: convID,
		Sentiment:      SentimentNeutral,
	}
	if idx < len(enr.Embeddings) {
		msg.Embedding = enr.Embeddings[idx].Embedding
	}
	if idx < len(enr.Toxicity) {
		msg.Toxicity = enr.Toxicity[idx].Score
	}
	if idx < len(enr.Sentiments) {
		sr := enr.Sentiments[idx]
		msg.Sentiment = sr.Base
		msg.Contextual = ContextualSentiment{
			Base:                  sr.Base,
			Contextual:            sr.Contextual,
			Confidence:            sr.Confidence,
			RelationshipInfluence: sr.RelationshipInfluence,
			ContextMessageIDs:     sr.InfluencingMessageIDs,
		}
	}

	s.messages[msg.ID] = msg

	s.updateUserLocked(user, msg)
	s.updateConversationLocked(convID, msg)
	if topicID != nil {
		s.updateTopicLocked(*topicID, convID, msg)
	}

	// Derived indexes.
	s.messagesByUser[msg.UserID] = append(s.messagesByUser[msg.UserID], msg.ID)
	s.messagesByConversation[convID] = append(s.messagesByConversation[convID], msg.ID)
	if topicID != nil {
		s.messagesByTopic[*topicID] = append(s.messagesByTopic[*topicID], msg.ID)
	}
	s.pushRecentLocked(msg.ID)

	return nil
}

// resolveUserLocked finds the sender or creates it lazily.
func (s *Store) resolveUserLocked(in IncomingMessage) *User {
	user, ok := s.users[in.UserID]
	if !ok {
		user = &User{
			ID:                  in.UserID,
			Name:                fmt.Sprintf("User%d", in.UserID),
			MessageIDs:          make(map[int64]struct{}),
			ActiveConversations: make(map[string]struct{}),
			TopicParticipation:  make(map[int64]int),
			LastActivity:        in.Timestamp,
			Style: CommunicationStyle{
				ResponsePattern: ResponsePatternUnknown,
			},
		}
		s.users[in.UserID] = user
		s.logger.Debug("Created new user", zap.Int64("user_id", in.UserID))
	}
	return user
}

// resolveConversationLocked inherits the reply target's conversation when
// resolvable, otherwise mints a new identity from channel, time and a
// random suffix.
func (s *Store) resolveConversationLocked(channelID int64, in IncomingMessage) string {
	if in.ReplyToID != nil {
		if target, ok := s.messages[*in.ReplyToID]; ok && target.ConversationID != "" {
			return target.ConversationID
		}
	}
	return fmt.Sprintf("conv_%d_%d_%s", channelID, in.Timestamp.UnixMilli(), uuid.NewString()[:8])
}

func (s *Store) updateUserLocked(user *User, msg *Message) {
	prevActivity := user.LastActivity
	prevCount := len(user.MessageIDs)

	user.MessageIDs[msg.ID] = struct{}{}
	user.LastActivity = msg.Timestamp

	// Incremental running averages, never recomputed from scratch.
	count := float64(len(user.MessageIDs))
	user.Style.AvgMessageLength = (user.Style.AvgMessageLength*(count-1) + float64(len(msg.Text))) / count

	emoji := 0.0
	if containsEmoji(msg.Text) {
		emoji = 1.0
	}
	user.Style.EmojiRate = (user.Style.EmojiRate*(count-1) + emoji) / count

	if prevCount > 0 {
		gap := msg.Timestamp.Sub(prevActivity)
		switch {
		case gap < quickResponseGap:
			user.Style.ResponsePattern = ResponsePatternQuick
		case gap < delayedResponseGap:
			user.Style.ResponsePattern = ResponsePatternDelayed
		default:
			user.Style.ResponsePattern = ResponsePatternSporadic
		}
	}

	if msg.TopicID != nil {
		user.TopicParticipation[*msg.TopicID]++
		user.Style.TopTopics = topTopics(user.TopicParticipation, TopTopicsN)
	}
}

func (s *Store) updateConversationLocked(convID string, msg *Message) {
	conv, ok := s.conversations[convID]
	if !ok {
		conv = &Conversation{
			ID:             convID,
			ParticipantIDs: make(map[int64]struct{}),
			TopicIDs:       make(map[int64]struct{}),
			StartTime:      msg.Timestamp,
			Active:         true,
		}
		s.conversations[convID] = conv
	}

	entry := FlowEntry{
		MessageID: msg.ID,
		UserID:    msg.UserID,
		Timestamp: msg.Timestamp,
		ReplyToID: msg.ReplyToID,
	}
	if n := len(conv.MessageIDs); n > 0 {
		if prev, ok := s.messages[conv.MessageIDs[n-1]]; ok {
			shift := sentimentScore(msg.Sentiment) - sentimentScore(prev.Sentiment)
			entry.SentimentShift = &shift
		}
	}

	conv.ParticipantIDs[msg.UserID] = struct{}{}
	conv.MessageIDs = append(conv.MessageIDs, msg.ID)
	conv.LastActivity = msg.Timestamp
	conv.Flow = append(conv.Flow, entry)
	if msg.TopicID != nil {
		conv.TopicIDs[*msg.TopicID] = struct{}{}
	}

	user := s.users[msg.UserID]
	user.ActiveConversations[convID] = struct{}{}
	byUser, ok := s.conversationsByUser[msg.UserID]
	if !ok {
		byUser = make(map[string]struct{})
		s.conversationsByUser[msg.UserID] = byUser
	}
	byUser[convID] = struct{}{}
}

func (s *Store) updateTopicLocked(topicID int64, convID string, msg *Message) {
	topic := s.topics[topicID]
	topic.MessageIDs[msg.ID] = struct{}{}
	topic.UserIDs[msg.UserID] = struct{}{}
	topic.ConversationIDs[convID] = struct{}{}
	topic.MessageCount++
	topic.LastUpdated = msg.Timestamp
}

// pushRecentLocked keeps the recent-message index most-recent-first.
func (s *Store) pushRecentLocked(msgID int64) {
	s.recentMessages = append([]int64{msgID}, s.recentMessages...)
	if len(s.recentMessages) > MaxRecentMessages {
		s.recentMessages = s.recentMessages[:MaxRecentMessages]
	}
}

func (s *Store) applyRelationshipLocked(upd RelationshipUpdate) error {
	a, b := upd.UserA, upd.UserB
	if a > b {
		a, b = b, a
	}
	key := PairKey(a, b)
	if upd.PairKey != "" && upd.PairKey != key {
		return fmt.Errorf("pair key %q does not match users %d,%d", upd.PairKey, a, b)
	}
	if _, ok := s.users[a]; !ok {
		return fmt.Errorf("user %d not found", a)
	}
	if _, ok := s.users[b]; !ok {
		return fmt.Errorf("user %d not found", b)
	}

	rel, ok := s.relationships[key]
	if !ok {
		rel = &UserRelationship{
			UserA: a,
			UserB: b,
			Type:  RelationshipUnknown,
			Patterns: CommunicationPatterns{
				TopicOverlap: make(map[int64]struct{}),
			},
		}
		s.relationships[key] = rel
		s.indexRelationshipLocked(a, key)
		s.indexRelationshipLocked(b, key)
	}

	rel.Strength = clamp01(rel.Strength + upd.StrengthDelta)
	rel.InteractionCount++
	rel.LastInteraction = time.Now()
	if upd.TypeChange != "" {
		rel.Type = RelationshipType(upd.TypeChange)
	}

	for _, v := range upd.Patterns.SentimentTrend {
		rel.SentimentHistory = append(rel.SentimentHistory, v)
	}
	if n := len(rel.SentimentHistory); n > MaxSentimentHistory {
		rel.SentimentHistory = rel.SentimentHistory[n-MaxSentimentHistory:]
	}

	// Merge fresh pattern observations into the running record.
	if upd.Patterns.AvgResponseTime > 0 {
		if rel.Patterns.AvgResponseTime == 0 {
			rel.Patterns.AvgResponseTime = upd.Patterns.AvgResponseTime
		} else {
			rel.Patterns.AvgResponseTime = (rel.Patterns.AvgResponseTime + upd.Patterns.AvgResponseTime) / 2
		}
	}
	rel.Patterns.InitiationBalance = upd.Patterns.InitiationBalance
	rel.Patterns.ConversationFrequency = float64(rel.InteractionCount)
	for tid := range s.topicOverlapLocked(a, b) {
		rel.Patterns.TopicOverlap[tid] = struct{}{}
	}

	trigger := ""
	if len(upd.Triggers) > 0 {
		trigger = upd.Triggers[0]
	}
	rel.Evolution = append(rel.Evolution, EvolutionEntry{
		Timestamp: rel.LastInteraction,
		Strength:  rel.Strength,
		Type:      rel.Type,
		Trigger:   trigger,
	})

	if rel.Strength > StrongRelationshipThreshold {
		s.strongRelationships[key] = struct{}{}
	} else {
		delete(s.strongRelationships, key)
	}

	s.updateContextWindowLocked(key, a, b)
	return nil
}

func (s *Store) indexRelationshipLocked(userID int64, key string) {
	set, ok := s.relationshipsByUser[userID]
	if !ok {
		set = make(map[string]struct{})
		s.relationshipsByUser[userID] = set
	}
	set[key] = struct{}{}
}

func (s *Store) topicOverlapLocked(a, b int64) map[int64]struct{} {
	overlap := make(map[int64]struct{})
	ua, ok := s.users[a]
	if !ok {
		return overlap
	}
	ub, ok := s.users[b]
	if !ok {
		return overlap
	}
	for tid := range ua.TopicParticipation {
		if _, shared := ub.TopicParticipation[tid]; shared {
			overlap[tid] = struct{}{}
		}
	}
	return overlap
}

// updateContextWindowLocked refreshes the pair's rolling window from the
// most recent messages either user sent.
func (s *Store) updateContextWindowLocked(key string, a, b int64) {
	window, ok := s.contextWindows.Get(key)
	if !ok {
		window = &ContextWindow{PairKey: key}
	}

	var recent []ContextMessage
	for _, msgID := range s.recentMessages {
		msg, ok := s.messages[msgID]
		if !ok || (msg.UserID != a && msg.UserID != b) {
			continue
		}
		recent = append(recent, ContextMessage{
			ID:        msg.ID,
			Text:      msg.Text,
			SenderID:  msg.UserID,
			Timestamp: msg.Timestamp,
			Sentiment: msg.Sentiment,
		})
		if len(recent) >= MaxContextWindowMessages {
			break
		}
	}
	window.Messages = recent
	window.DominantTone = dominantTone(recent)
	window.TopicFlow = window.TopicFlow[:0]
	for _, cm := range recent {
		if msg, ok := s.messages[cm.ID]; ok && msg.TopicID != nil {
			window.TopicFlow = append(window.TopicFlow, *msg.TopicID)
		}
	}
	window.LastUpdated = time.Now()

	s.contextWindows.Add(key, window)
}

func (s *Store) recomputeStatsLocked() {
	active := 0
	for _, conv := range s.conversations {
		if conv.Active {
			active++
		}
	}
	s.stats = Stats{
		TotalMessages:        len(s.messages),
		TotalUsers:           len(s.users),
		TotalTopics:          len(s.topics),
		ActiveConversations:  active,
		TrackedRelationships: len(s.relationships),
		StrongRelationships:  len(s.strongRelationships),
		LastProcessedAt:      time.Now(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sentimentScore(label string) float64 {
	switch label {
	case SentimentPositive:
		return 1
	case SentimentNegative:
		return -1
	default:
		return 0
	}
}

func dominantTone(msgs []ContextMessage) string {
	if len(msgs) == 0 {
		return SentimentNeutral
	}
	pos, neg := 0, 0
	for _, m := range msgs {
		switch m.Sentiment {
		case SentimentPositive:
			pos++
		case SentimentNegative:
			neg++
		}
	}
	switch {
	case pos > 0 && neg > 0:
		return "mixed"
	case pos > neg:
		return SentimentPositive
	case neg > pos:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

func topTopics(participation map[int64]int, n int) []int64 {
	type entry struct {
		id    int64
		count int
	}
	entries := make([]entry, 0, len(participation))
	for id, count := range participation {
		entries = append(entries, entry{id, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].id < entries[j].id
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	top := make([]int64, len(entries))
	for i, e := range entries {
		top[i] = e.id
	}
	return top
}

func containsEmoji(text string) bool {
	for _, r := range text {
		if (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF) {
			return true
		}
	}
	return false
}
