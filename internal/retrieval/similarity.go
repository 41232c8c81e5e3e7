package retrieval

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CosineSimilarity returns dot(a,b) / (|a|*|b|) clamped to [-1, 1]. It is 0
// when the dimensions differ, either vector has zero magnitude, or either
// holds a NaN or infinite component.
func CosineSimilarity(a, b []float32) float32 {
	return dotProduct(a, b, norm(a))
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes into buf, reusing its backing array when large
// enough so scans do not allocate per row.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// finite reports whether every component of v is a real number.
func finite(v []float32) bool {
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return false
		}
	}
	return true
}

// dotProduct computes cosine similarity given the precomputed norm of a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || len(a) == 0 || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	s := dot / (float64(aNorm) * bNorm)
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return float32(math.Max(-1, math.Min(1, s)))
}

// scoredHeap is a min-heap of ScoredChunk; the root is the weakest
// candidate kept so far.
type scoredHeap []ScoredChunk

func (h scoredHeap) Len() int            { return len(h) }
func (h scoredHeap) Less(i, j int) bool  { return ranksBefore(h[j], h[i]) }
func (h scoredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x interface{}) { *h = append(*h, x.(ScoredChunk)) }
func (h *scoredHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ranksBefore orders by score descending, then source id and index so that
// equal scores rank deterministically.
func ranksBefore(a, b ScoredChunk) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	return a.Index < b.Index
}

// sortByScore sorts small result slices in rank order.
func sortByScore(results []ScoredChunk) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && ranksBefore(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
