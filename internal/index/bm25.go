package index

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// BM25 parameters, the conventional defaults.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// bm25Index is a lexical index over tokenised documents. It rebuilds
// from the chunk table in memory; nothing is persisted.
type bm25Index struct {
	docs     [][]string
	docFreq  map[string]int
	termFreq []map[string]int
	docLen   []int
	avgLen   float64
}

// tokenize lowercases and splits on non-alphanumeric runes, keeping
// underscores so code identifiers survive.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// newBM25 builds the index over the given document texts. Positions in
// the docs slice are the document IDs used by search results.
func newBM25(texts []string) *bm25Index {
	idx := &bm25Index{
		docFreq:  make(map[string]int),
		termFreq: make([]map[string]int, len(texts)),
		docLen:   make([]int, len(texts)),
	}
	total := 0
	for i, text := range texts {
		tokens := tokenize(text)
		idx.docs = append(idx.docs, tokens)
		idx.docLen[i] = len(tokens)
		total += len(tokens)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		idx.termFreq[i] = tf
		for tok := range tf {
			idx.docFreq[tok]++
		}
	}
	if len(texts) > 0 {
		idx.avgLen = float64(total) / float64(len(texts))
	}
	return idx
}

// ranked is one scored document position.
type ranked struct {
	doc   int
	score float64
}

// search scores every document containing at least one query term and
// returns the top n, ties broken by document position for determinism.
func (idx *bm25Index) search(query string, n int, live func(doc int) bool) []ranked {
	terms := tokenize(query)
	if len(terms) == 0 || len(idx.docs) == 0 {
		return nil
	}
	numDocs := float64(len(idx.docs))
	scores := make(map[int]float64)
	for _, term := range terms {
		df := idx.docFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (numDocs-float64(df)+0.5)/(float64(df)+0.5))
		for doc, tf := range idx.termFreq {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			if live != nil && !live(doc) {
				continue
			}
			norm := 1 - bm25B + bm25B*float64(idx.docLen[doc])/idx.avgLen
			scores[doc] += idf * f * (bm25K1 + 1) / (f + bm25K1*norm)
		}
	}
	out := make([]ranked, 0, len(scores))
	for doc, score := range scores {
		out = append(out, ranked{doc: doc, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].doc < out[j].doc
		}
		return out[i].score > out[j].score
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
