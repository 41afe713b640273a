// Package ai declares the two optional AI-accelerator capabilities a
// node may plug in: image safety classification and text embedding.
// Neither has a default implementation here — these are external
// collaborators (spec.md §9's "optional AI accelerators"), consumed
// by internal/transfer and internal/search only when a caller supplies
// a concrete implementation at composition time.
package ai

import "context"

// ImageClassifier scores an image file for unsafe content. Probability
// is in [0, 1]; callers compare it against a configured threshold.
// ClassifyImage returning (0, nil) is a valid "definitely safe" result,
// distinct from a non-nil error meaning classification could not run.
type ImageClassifier interface {
	ClassifyImage(ctx context.Context, path string) (probability float64, err error)
}

// TextEmbedder maps text to a fixed-dimension embedding vector for
// semantic similarity ranking.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) (vector []float32, err error)
}
