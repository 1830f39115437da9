package memory

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// EmbeddingDimension is the fixed width of all memory embeddings.
const EmbeddingDimension = 128

// Embed maps text to a deterministic unit-length vector. The expansion hashes
// the text with a block counter so equal strings always produce equal vectors
// and near-equal strings diverge. Empty text maps to the zero vector.
func Embed(text string) []float32 {
	vec := make([]float32, EmbeddingDimension)
	if text == "" {
		return vec
	}

	seed := sha256.Sum256([]byte(text))

	// Each hash block yields 32 components.
	for block := 0; block*sha256.Size < EmbeddingDimension; block++ {
		var counter [8]byte
		binary.BigEndian.PutUint64(counter[:], uint64(block))

		h := sha256.New()
		h.Write(seed[:])
		h.Write(counter[:])
		digest := h.Sum(nil)

		for i, b := range digest {
			idx := block*sha256.Size + i
			if idx >= EmbeddingDimension {
				break
			}
			vec[idx] = float32(b) / 255.0
		}
	}

	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	mag := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= mag
	}
	return vec
}
