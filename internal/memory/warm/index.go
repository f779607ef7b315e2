package warm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	chromem "github.com/philippgille/chromem-go"

	"github.com/roach88/threadkeep/internal/ir"
)

// embeddingDims is the width of the hashed bag-of-words embedding.
const embeddingDims = 256

// Embed maps text to a hashed bag-of-words vector. The last dimension is a
// constant so no text embeds to the zero vector.
func Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, embeddingDims+1)
	for _, t := range terms(text) {
		v[xxhash.Sum64String(t)%embeddingDims]++
	}
	v[embeddingDims] = 0.01
	return v, nil
}

// Index is a vector index over summaries, one collection per owner.
// It is derived data: Manager rebuilds an owner's collection from the
// stored snapshot the first time it is needed.
type Index struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewIndex creates an in-process index. embed may be nil to use Embed.
func NewIndex(embed chromem.EmbeddingFunc) *Index {
	if embed == nil {
		embed = Embed
	}
	return &Index{
		db:          chromem.NewDB(),
		embed:       embed,
		collections: make(map[string]*chromem.Collection),
	}
}

func (x *Index) collection(owner ir.Owner) (*chromem.Collection, error) {
	key := owner.Key()
	x.mu.RLock()
	col, ok := x.collections[key]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[key]; ok {
		return col, nil
	}
	col, err := x.db.CreateCollection("warm_"+key, map[string]string{"owner": key}, x.embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.collections[key] = col
	return col, nil
}

// Has reports whether owner's collection exists.
func (x *Index) Has(owner ir.Owner) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.collections[owner.Key()]
	return ok
}

func document(s Summary) string {
	return strings.Join(append(append([]string{s.Text}, s.KeyPoints...), s.Entities...), "\n")
}

// Upsert adds or replaces summaries in owner's collection.
func (x *Index) Upsert(ctx context.Context, owner ir.Owner, summaries ...Summary) error {
	col, err := x.collection(owner)
	if err != nil {
		return fmt.Errorf("index upsert: %w", err)
	}
	for _, s := range summaries {
		if err := col.AddDocument(ctx, chromem.Document{
			ID:       s.ID,
			Content:  document(s),
			Metadata: map[string]string{"conversation_id": s.ConversationID},
		}); err != nil {
			return fmt.Errorf("index upsert %s: %w", s.ID, err)
		}
	}
	return nil
}

// Remove deletes summaries from owner's collection.
func (x *Index) Remove(ctx context.Context, owner ir.Owner, ids ...string) error {
	if len(ids) == 0 || !x.Has(owner) {
		return nil
	}
	col, err := x.collection(owner)
	if err != nil {
		return fmt.Errorf("index remove: %w", err)
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("index remove: %w", err)
	}
	return nil
}

// Drop forgets owner's collection entirely.
func (x *Index) Drop(owner ir.Owner) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.collections, owner.Key())
	if err := x.db.DeleteCollection("warm_" + owner.Key()); err != nil {
		return fmt.Errorf("index drop: %w", err)
	}
	return nil
}

// Query returns the cosine similarity of up to n summaries to query,
// keyed by summary id.
func (x *Index) Query(ctx context.Context, owner ir.Owner, query string, n int) (map[string]float64, error) {
	col, err := x.collection(owner)
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}
	out := make(map[string]float64)
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return out, nil
	}
	emb, err := x.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("index query: embed: %w", err)
	}
	results, err := col.QueryEmbedding(ctx, emb, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < 0 {
			sim = 0
		}
		out[r.ID] = sim
	}
	return out, nil
}
