// Package search keeps an in-memory BM25 index of message text in step with
// committed writes and serves ranked, paginated queries over it.
package search

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"roomchat/backend/internal/chaterr"
)

// BM25 parameters (Okapi variant, standard values).
const (
	paramK1 = 1.2
	paramB  = 0.75
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Tokenize splits text into lowercase alphanumeric tokens, discarding tokens
// shorter than 2 characters.
func Tokenize(text string) []string {
	matches := tokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := matches[:0]
	for _, match := range matches {
		if len(match) >= 2 {
			tokens = append(tokens, match)
		}
	}
	return tokens
}

// Document is one indexable message.
type Document struct {
	ID      uint64
	RoomID  string
	Text    string
	Version int
}

// Hit is a ranked result.
type Hit struct {
	ID     uint64
	RoomID string
	Score  float64
}

// Query selects documents. An empty Rooms list matches nothing.
type Query struct {
	Text   string
	Rooms  []string
	Cursor string
	Limit  int
}

// Page is one page of hits. NextCursor is empty on the last page.
type Page struct {
	Hits       []Hit
	NextCursor string
}

type cursor struct {
	Watermark uint64  `json:"w"`
	Score     float64 `json:"s"`
	ID        uint64  `json:"i"`
}

func (c cursor) encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, chaterr.Validation("cursor", "malformed")
	}
	if err := json.Unmarshal(raw, &c); err != nil || c.Watermark == 0 {
		return c, chaterr.Validation("cursor", "malformed")
	}
	return c, nil
}

type entry struct {
	room   string
	length int
	terms  map[string]int
}

// Index is an incremental BM25 index. It is safe for concurrent use.
//
// Each document id remembers the last version applied to it, including
// removals, so an update older than what the index already holds is ignored.
type Index struct {
	mu       sync.RWMutex
	docs     map[uint64]*entry
	postings map[string]map[uint64]int // term -> doc id -> tf
	versions map[uint64]int
	totalLen int
	maxID    uint64
}

func NewIndex() *Index {
	return &Index{
		docs:     make(map[uint64]*entry),
		postings: make(map[string]map[uint64]int),
		versions: make(map[uint64]int),
	}
}

// Upsert adds or replaces a document. It reports false when a newer version
// of the id was already applied.
func (x *Index) Upsert(d Document) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if v, ok := x.versions[d.ID]; ok && d.Version < v {
		return false
	}
	x.versions[d.ID] = d.Version
	x.removeLocked(d.ID)

	tokens := Tokenize(d.Text)
	e := &entry{room: d.RoomID, length: len(tokens), terms: make(map[string]int)}
	for _, tok := range tokens {
		e.terms[tok]++
	}
	for term, tf := range e.terms {
		p := x.postings[term]
		if p == nil {
			p = make(map[uint64]int)
			x.postings[term] = p
		}
		p[d.ID] = tf
	}
	x.docs[d.ID] = e
	x.totalLen += e.length
	if d.ID > x.maxID {
		x.maxID = d.ID
	}
	return true
}

// Remove drops a document at version. It reports false when a newer version
// was already applied.
func (x *Index) Remove(id uint64, version int) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if v, ok := x.versions[id]; ok && version < v {
		return false
	}
	x.versions[id] = version
	x.removeLocked(id)
	if id > x.maxID {
		x.maxID = id
	}
	return true
}

func (x *Index) removeLocked(id uint64) {
	e, ok := x.docs[id]
	if !ok {
		return
	}
	for term := range e.terms {
		p := x.postings[term]
		delete(p, id)
		if len(p) == 0 {
			delete(x.postings, term)
		}
	}
	x.totalLen -= e.length
	delete(x.docs, id)
}

// Len returns the number of indexed documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Reset empties the index.
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs = make(map[uint64]*entry)
	x.postings = make(map[string]map[uint64]int)
	x.versions = make(map[uint64]int)
	x.totalLen = 0
	x.maxID = 0
}

// replaceWith takes over the contents of other, which must not be used
// afterwards.
func (x *Index) replaceWith(other *Index) {
	other.mu.Lock()
	defer other.mu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs, x.postings, x.versions = other.docs, other.postings, other.versions
	x.totalLen, x.maxID = other.totalLen, other.maxID
}

// Search ranks documents by score desc, then id desc.
//
// The first page fixes a watermark at the highest id seen so far. Later
// pages only consider documents at or below it and compute corpus
// statistics over the same set, so inserts between pages neither appear nor
// reorder the remaining hits.
func (x *Index) Search(q Query) (Page, error) {
	var after *cursor
	if q.Cursor != "" {
		c, err := decodeCursor(q.Cursor)
		if err != nil {
			return Page{}, err
		}
		after = &c
	}

	tokens := uniqueTokens(Tokenize(q.Text))
	if len(tokens) == 0 || len(q.Rooms) == 0 || q.Limit <= 0 {
		return Page{}, nil
	}
	rooms := make(map[string]bool, len(q.Rooms))
	for _, r := range q.Rooms {
		rooms[r] = true
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	watermark := x.maxID
	if after != nil {
		watermark = after.Watermark
	}
	if watermark == 0 {
		return Page{}, nil
	}

	n, avgdl := x.statsLocked(watermark)
	if n == 0 {
		return Page{}, nil
	}

	idf := make(map[string]float64, len(tokens))
	candidates := make(map[uint64]bool)
	for _, tok := range tokens {
		df := 0
		for id := range x.postings[tok] {
			if id > watermark {
				continue
			}
			df++
			if rooms[x.docs[id].room] {
				candidates[id] = true
			}
		}
		if df == 0 {
			continue
		}
		// The +1 inside the log keeps terms found in every document positive.
		idf[tok] = math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
	}

	hits := make([]Hit, 0, len(candidates))
	for id := range candidates {
		e := x.docs[id]
		hits = append(hits, Hit{ID: id, RoomID: e.room, Score: score(e, tokens, idf, avgdl)})
	}
	sort.Slice(hits, func(a, b int) bool { return ranksBefore(hits[a], hits[b]) })

	if after != nil {
		pivot := Hit{ID: after.ID, Score: after.Score}
		start := sort.Search(len(hits), func(i int) bool { return ranksBefore(pivot, hits[i]) })
		hits = hits[start:]
	}

	page := Page{Hits: hits}
	if len(hits) > q.Limit {
		page.Hits = hits[:q.Limit]
		last := page.Hits[len(page.Hits)-1]
		page.NextCursor = cursor{Watermark: watermark, Score: last.Score, ID: last.ID}.encode()
	}
	return page, nil
}

// statsLocked returns the document count and average length over ids up to
// watermark.
func (x *Index) statsLocked(watermark uint64) (int, float64) {
	if watermark >= x.maxID {
		if len(x.docs) == 0 {
			return 0, 0
		}
		return len(x.docs), float64(x.totalLen) / float64(len(x.docs))
	}
	n, total := 0, 0
	for id, e := range x.docs {
		if id <= watermark {
			n++
			total += e.length
		}
	}
	if n == 0 {
		return 0, 0
	}
	return n, float64(total) / float64(n)
}

// score sums in query token order so repeated queries produce bit-identical
// scores for the cursor comparison.
func score(e *entry, tokens []string, idf map[string]float64, avgdl float64) float64 {
	dl := float64(e.length)
	var s float64
	for _, tok := range tokens {
		w, ok := idf[tok]
		tf := float64(e.terms[tok])
		if !ok || tf == 0 {
			continue
		}
		s += w * tf * (paramK1 + 1) / (tf + paramK1*(1-paramB+paramB*dl/avgdl))
	}
	return s
}

func ranksBefore(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID > b.ID
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
