package search

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Default and maximum result limits applied when callers pass zero or
// something unreasonable.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Doc is one searchable (server, action) pair.
type Doc struct {
	Server      string
	Action      string
	Description string
}

// ID returns the document key: server and action joined with a slash.
// Action names cannot collide across servers under this scheme because the
// server name prefix disambiguates.
func (d Doc) ID() string {
	return d.Server + "/" + d.Action
}

// Result is one ranked search hit.
type Result struct {
	Server      string  `json:"server"`
	Action      string  `json:"action"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

// Searcher answers queries over the catalog's (server, action) documents
// using an in-memory bleve index. The index is disposable derived state:
// Update rebuilds it from whatever document set the caller provides, and a
// fingerprint of that set skips rebuilds when nothing changed.
//
// Searcher is safe for concurrent use. Rebuilds happen off to the side and
// swap in under the write lock, so concurrent readers see either the old
// index or the new one, never a partially built one.
type Searcher struct {
	mu          sync.RWMutex
	idx         bleve.Index
	docs        []Doc
	fingerprint string
}

// NewSearcher returns an empty searcher. Until the first Update, every
// search returns no results.
func NewSearcher() *Searcher {
	return &Searcher{}
}

// Update replaces the index contents with the given documents. If the
// document set is unchanged since the last Update (same fingerprint), the
// existing index is kept and no rebuild happens.
func (s *Searcher) Update(docs []Doc) error {
	fp := computeFingerprint(docs)

	s.mu.RLock()
	current := s.fingerprint
	s.mu.RUnlock()
	if current == fp {
		return nil
	}

	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return fmt.Errorf("build search index: %w", err)
	}

	batch := idx.NewBatch()
	for _, doc := range docs {
		err := batch.Index(doc.ID(), map[string]any{
			"server":      doc.Server,
			"action":      doc.Action,
			"description": doc.Description,
		})
		if err != nil {
			return fmt.Errorf("index %s: %w", doc.ID(), err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("commit search index: %w", err)
	}

	sorted := make([]Doc, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Server != sorted[j].Server {
			return sorted[i].Server < sorted[j].Server
		}
		return sorted[i].Action < sorted[j].Action
	})

	s.mu.Lock()
	s.idx = idx
	s.docs = sorted
	s.fingerprint = fp
	s.mu.Unlock()
	return nil
}

// Ready reports whether an index has been built at least once.
func (s *Searcher) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx != nil
}

// Fingerprint returns the fingerprint of the currently indexed document set.
func (s *Searcher) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

// Search runs a ranked query over the indexed documents. Empty queries list
// documents in server/action order. Ranking puts exact action-name matches
// first, then match score descending, with server name then action name as
// stable tie-breaks.
func (s *Searcher) Search(q string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	s.mu.RLock()
	idx := s.idx
	docs := s.docs
	s.mu.RUnlock()

	if idx == nil {
		return nil, nil
	}

	q = strings.TrimSpace(q)
	if q == "" {
		n := min(limit, len(docs))
		out := make([]Result, 0, n)
		for _, doc := range docs[:n] {
			out = append(out, Result{Server: doc.Server, Action: doc.Action, Description: doc.Description})
		}
		return out, nil
	}

	actionQ := query.NewMatchQuery(q)
	actionQ.SetField("action")
	actionQ.SetBoost(3)
	serverQ := query.NewMatchQuery(q)
	serverQ.SetField("server")
	serverQ.SetBoost(2)
	descQ := query.NewMatchQuery(q)
	descQ.SetField("description")
	disjunction := query.NewDisjunctionQuery([]query.Query{actionQ, serverQ, descQ})

	req := bleve.NewSearchRequestOptions(disjunction, limit, 0, false)
	req.Fields = []string{"server", "action", "description"}

	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, Result{
			Server:      stringField(hit.Fields, "server"),
			Action:      stringField(hit.Fields, "action"),
			Description: stringField(hit.Fields, "description"),
			Score:       hit.Score,
		})
	}

	exact := func(r Result) bool { return strings.EqualFold(r.Action, q) }
	sort.SliceStable(results, func(i, j int) bool {
		ei, ej := exact(results[i]), exact(results[j])
		if ei != ej {
			return ei
		}
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Server != results[j].Server {
			return results[i].Server < results[j].Server
		}
		return results[i].Action < results[j].Action
	})
	return results, nil
}

func stringField(fields map[string]any, name string) string {
	v, _ := fields[name].(string)
	return v
}
