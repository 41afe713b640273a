// Package search implements keyword and optional semantic-rerank chat
// history search: a candidate-fetch-then-rerank pipeline ported from
// ChatSearchService.cpp, with the embedding engine itself an optional
// ai.TextEmbedder collaborator rather than a bundled model.
package search

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/Triwalt/flykylin-chatnode/internal/ai"
	"github.com/Triwalt/flykylin-chatnode/internal/logging"
	"github.com/Triwalt/flykylin-chatnode/internal/store"
)

const (
	defaultLimit        = 200
	candidateMultiplier = 5
	maxCandidates       = 1000
)

// Filter narrows a search to one peer (or "" for all) and bounds the
// number of results returned.
type Filter struct {
	PeerID string
	Limit  int
}

// Service is the chat search component (C9).
type Service struct {
	st       *store.Store
	embedder ai.TextEmbedder
	log      *slog.Logger
}

// NewService builds a search service. embedder may be nil, in which
// case semantic search silently degrades to keyword/time order.
func NewService(st *store.Store, embedder ai.TextEmbedder, log *slog.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{st: st, embedder: embedder, log: log}
}

type scoredMessage struct {
	msg   store.Message
	score float32
}

// Search implements spec.md §4.9's pipeline: keyword-agnostic
// candidate fetch for semantic rerank, or keyword SQL match otherwise;
// falls back to time-descending order whenever semantic reranking
// cannot occur.
func (s *Service) Search(localUserID, query string, filter Filter, useSemantic bool) []store.Message {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	candidateLimit := limit * candidateMultiplier
	if candidateLimit > maxCandidates {
		candidateLimit = maxCandidates
	}

	semanticAvailable := useSemantic && s.embedder != nil

	var base []store.Message
	if semanticAvailable {
		base = s.st.SearchAll(localUserID, filter.PeerID, candidateLimit)
	} else {
		base = s.st.SearchKeyword(localUserID, trimmed, filter.PeerID, candidateLimit)
	}

	if !semanticAvailable || len(base) == 0 {
		return truncate(base, limit)
	}

	queryEmbedding, err := s.embedder.EmbedText(context.Background(), trimmed)
	if err != nil || len(queryEmbedding) == 0 {
		if err != nil {
			s.log.Warn("search: query embedding failed, falling back to time order", "error", err)
		}
		return truncate(base, limit)
	}

	scored := make([]scoredMessage, 0, len(base))
	for _, msg := range base {
		embedding, err := s.embedder.EmbedText(context.Background(), msg.Content)
		if err != nil || len(embedding) != len(queryEmbedding) || len(embedding) == 0 {
			continue
		}
		scored = append(scored, scoredMessage{msg: msg, score: cosineSimilarity(queryEmbedding, embedding)})
	}

	if len(scored) == 0 {
		return truncate(base, limit)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].msg.Timestamp < scored[j].msg.Timestamp
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]store.Message, len(scored))
	for i, sm := range scored {
		out[i] = sm.msg
	}
	return out
}

func truncate(msgs []store.Message, limit int) []store.Message {
	if len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
