package retrieval

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Passage is a retrieved reference snippet.
type Passage struct {
	Text     string
	Metadata map[string]any
}

// Document is an entry of the in-memory reference corpus.
type Document struct {
	ID      string
	Title   string
	Content string
}

// ReferenceDocuments is the small corpus used when no vector store is configured.
var ReferenceDocuments = []Document{
	{
		ID:      "headache",
		Title:   "Headache",
		Content: "Most headaches are tension-type or migraine. Rest, hydration and over-the-counter pain relief often help. A sudden severe headache, or one with fever, stiff neck, confusion or weakness, needs urgent medical attention.",
	},
	{
		ID:      "fever",
		Title:   "Fever",
		Content: "A fever is a body temperature of 38°C (100.4°F) or higher and is usually a sign of infection. Fluids and rest are recommended. Seek care for fever above 39.4°C (103°F), fever lasting more than three days, or fever in infants.",
	},
	{
		ID:      "chest-pain",
		Title:   "Chest pain",
		Content: "Chest pain can come from the heart, lungs, muscles or digestion. Chest pain with shortness of breath, sweating, or pain spreading to the arm or jaw may signal a heart attack and requires emergency services immediately.",
	},
	{
		ID:      "diabetes",
		Title:   "Diabetes",
		Content: "Diabetes affects how the body uses blood sugar. Common symptoms include increased thirst, frequent urination, fatigue and blurred vision. Management combines diet, activity, monitoring and medication prescribed by a clinician.",
	},
	{
		ID:      "hypertension",
		Title:   "High blood pressure",
		Content: "Hypertension is blood pressure consistently at or above 130/80 mmHg. It often has no symptoms. Reducing salt, regular exercise, limiting alcohol and prescribed medication lower the risk of heart disease and stroke.",
	},
}

// MemoryRetriever ranks the reference corpus by keyword overlap.
type MemoryRetriever struct {
	docs []Document
}

func NewMemoryRetriever(docs []Document) *MemoryRetriever {
	if docs == nil {
		docs = ReferenceDocuments
	}
	return &MemoryRetriever{docs: docs}
}

// Retrieve returns up to k passages sharing at least one keyword with query.
// No match is a valid empty result.
func (r *MemoryRetriever) Retrieve(_ context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		return nil, nil
	}
	terms := keywords(query)
	if len(terms) == 0 {
		return nil, nil
	}

	type scored struct {
		doc   Document
		score int
	}
	var hits []scored
	for _, doc := range r.docs {
		docTerms := keywords(doc.Title + " " + doc.Content)
		score := 0
		for t := range terms {
			if _, ok := docTerms[t]; ok {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{doc: doc, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if len(hits) > k {
		hits = hits[:k]
	}
	passages := make([]Passage, 0, len(hits))
	for _, h := range hits {
		passages = append(passages, Passage{
			Text: h.doc.Content,
			Metadata: map[string]any{
				"id":    h.doc.ID,
				"title": h.doc.Title,
				"score": h.score,
			},
		})
	}
	return passages, nil
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "have": {}, "has": {}, "what": {}, "how": {},
	"are": {}, "can": {}, "that": {}, "this": {}, "from": {}, "you": {}, "your": {}, "not": {},
	"but": {}, "was": {}, "been": {}, "any": {}, "should": {}, "does": {}, "about": {},
}

func keywords(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}
