// Package ingest loads curated educational content in bulk and runs queued
// processing jobs.
package ingest

import (
	"strings"
	"unicode"
)

// Content types.
const (
	ContentConcept     = "concept"
	ContentExample     = "example"
	ContentPractice    = "practice"
	ContentApplication = "application"
)

// Difficulty levels.
const (
	DifficultyBeginner     = "beginner"
	DifficultyIntermediate = "intermediate"
	DifficultyAdvanced     = "advanced"
)

// ContentItem is one concept's worth of curated content, as produced by the
// loaders and consumed by Loader.Run.
type ContentItem struct {
	ConceptName        string
	Topic              string
	Subtopic           string
	GradeLevel         string
	Difficulty         string
	ContentType        string
	Content            string
	Metadata           map[string]string
	Prerequisites      []string
	LearningObjectives []string
}

// SourceMetadata flattens the item's descriptive fields into the metadata
// stored on its source and copied onto every chunk.
func (it ContentItem) SourceMetadata() map[string]string {
	md := make(map[string]string, len(it.Metadata)+7)
	for k, v := range it.Metadata {
		if v != "" {
			md[k] = v
		}
	}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set("topic", it.Topic)
	set("subtopic", it.Subtopic)
	set("grade_level", it.GradeLevel)
	set("difficulty", it.Difficulty)
	set("content_type", it.ContentType)
	set("prerequisites", strings.Join(it.Prerequisites, ", "))
	set("learning_objectives", strings.Join(it.LearningObjectives, "; "))
	return md
}

// Checked in order; "precalculus" must precede "calculus".
var gradeLevels = []struct{ keyword, grade string }{
	{"algebra", "9th-10th"},
	{"geometry", "10th"},
	{"trigonometry", "11th"},
	{"precalculus", "11th-12th"},
	{"calculus", "12th"},
	{"statistics", "11th-12th"},
}

var (
	beginnerKeywords = []string{"basic", "introduction", "simple", "fundamental", "review"}
	advancedKeywords = []string{"advanced", "complex", "derivation", "proof", "theorem"}
	topics           = []string{"Algebra", "Geometry", "Trigonometry", "Calculus", "Statistics"}
)

// InferGradeLevel guesses a grade band from a concept name. Defaults to 10th.
func InferGradeLevel(concept string) string {
	lower := strings.ToLower(concept)
	for _, g := range gradeLevels {
		if strings.Contains(lower, g.keyword) {
			return g.grade
		}
	}
	return "10th"
}

// InferDifficulty guesses a difficulty level from a concept name.
func InferDifficulty(concept string) string {
	lower := strings.ToLower(concept)
	if containsAny(lower, beginnerKeywords) {
		return DifficultyBeginner
	}
	if containsAny(lower, advancedKeywords) {
		return DifficultyAdvanced
	}
	return DifficultyIntermediate
}

// InferTopic returns the broad subject a concept name mentions, or
// Mathematics.
func InferTopic(concept string) string {
	lower := strings.ToLower(concept)
	for _, t := range topics {
		if strings.Contains(lower, strings.ToLower(t)) {
			return t
		}
	}
	return "Mathematics"
}

// extractObjectives collects the numbered or bulleted lines following a
// "learning objectives" heading, up to the first blank line.
func extractObjectives(lines []string) []string {
	var out []string
	in := false
	for _, line := range lines {
		if strings.Contains(strings.ToLower(line), "learning objectives") {
			in = true
			continue
		}
		if !in {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		if unicode.IsDigit(rune(line[0])) || strings.HasPrefix(trimmed, "-") {
			out = append(out, trimmed)
		}
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
