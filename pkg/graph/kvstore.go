package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/deepmem/deepmem/pkg/kv"
)

// KV key layout (relative to the configured prefix):
//
//	{prefix}:n:{ns}:{kind}:{rest}      → msgpack node attrs
//	{prefix}:e:{from}:{type}:{to}      → msgpack edge props (forward index)
//	{prefix}:ei:{to}:{type}:{from}     → msgpack edge props (reverse index)
//	{prefix}:s:{ns}:{sessionId}        → msgpack session ingest meta
//
// from/to are full node-key strings stored as single segments; {rest} is
// the node key remainder after the namespace and kind words, so entity
// nodes of one namespace share the {prefix}:n:{ns}:entity scan range.

// KVStore is a Store implementation backed by a kv.Store. All keys are
// scoped under a configurable prefix, allowing the graph to share a KV
// store with the vector index and queue metadata.
type KVStore struct {
	store  kv.Store
	prefix kv.Key
}

// NewKVStore creates a KVStore using the given store and key prefix.
func NewKVStore(store kv.Store, prefix kv.Key) *KVStore {
	return &KVStore{store: store, prefix: prefix}
}

// edgeProps is the stored value of both edge index entries.
type edgeProps struct {
	Score     float64 `msgpack:"score,omitempty"`
	UpdatedAt int64   `msgpack:"updated_at,omitempty"` // unix ms
}

// validateSegments checks that none of the given strings contain the KV
// separator byte. Node keys are used as kv.Key segments; if they contain
// the separator the encoded key would be corrupted.
func validateSegments(segs ...string) error {
	sep := string(kv.DefaultSeparator)
	for _, s := range segs {
		if strings.Contains(s, sep) {
			return fmt.Errorf("%w: %q contains the separator byte", ErrInvalidKey, s)
		}
	}
	return nil
}

// --- key helpers ---

func (g *KVStore) join(segs ...string) kv.Key {
	return g.prefix.Child(segs...)
}

// nodeKVKey maps a node key string to its KV key, classifying it by the
// key grammar in keys.go.
func (g *KVStore) nodeKVKey(key string) (kv.Key, error) {
	if err := validateSegments(key); err != nil {
		return nil, err
	}
	ns, kind, rest := splitKey(key)
	if ns == "" {
		return nil, fmt.Errorf("%w: %q has no namespace", ErrInvalidKey, key)
	}
	return g.join("n", ns, kind, rest), nil
}

// nodeKeyFromKV reconstructs the node key string from a scanned KV key.
func nodeKeyFromKV(k kv.Key, plen int) string {
	ns, kind, rest := k[plen+1], k[plen+2], k[plen+3]
	if kind == KindMemory {
		return ns + "::" + rest
	}
	return ns + "::" + kind + "::" + rest
}

func (g *KVStore) fwdKey(from, typ, to string) kv.Key {
	return g.join("e", from, typ, to)
}

func (g *KVStore) revKey(to, typ, from string) kv.Key {
	return g.join("ei", to, typ, from)
}

func (g *KVStore) sessionMetaKey(ns, sessionID string) kv.Key {
	return g.join("s", ns, sessionID)
}

// --- Node operations ---

func (g *KVStore) GetNode(ctx context.Context, key string) (*Node, error) {
	kk, err := g.nodeKVKey(key)
	if err != nil {
		return nil, err
	}
	data, err := g.store.Get(ctx, kk)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	n := &Node{Key: key}
	if len(data) > 0 {
		if err := msgpack.Unmarshal(data, &n.Attrs); err != nil {
			return nil, fmt.Errorf("graph: decode node %q: %w", key, err)
		}
	}
	return n, nil
}

func (g *KVStore) UpsertNode(ctx context.Context, n Node) error {
	kk, err := g.nodeKVKey(n.Key)
	if err != nil {
		return err
	}
	attrs := n.Attrs
	existing, err := g.store.Get(ctx, kk)
	switch {
	case err == nil && len(existing) > 0:
		var merged map[string]any
		if err := msgpack.Unmarshal(existing, &merged); err != nil {
			return fmt.Errorf("graph: decode node %q: %w", n.Key, err)
		}
		for k, v := range n.Attrs {
			merged[k] = v
		}
		attrs = merged
	case err != nil && !errors.Is(err, kv.ErrNotFound):
		return err
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	data, err := msgpack.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("graph: encode node %q: %w", n.Key, err)
	}
	return g.store.Set(ctx, kk, data)
}

func (g *KVStore) DeleteNode(ctx context.Context, key string) error {
	kk, err := g.nodeKVKey(key)
	if err != nil {
		return err
	}
	edges, err := g.Edges(ctx, key)
	if err != nil {
		return err
	}
	keys := make([]kv.Key, 0, 1+len(edges)*2)
	keys = append(keys, kk)
	for _, e := range edges {
		keys = append(keys, g.fwdKey(e.From, e.Type, e.To))
		keys = append(keys, g.revKey(e.To, e.Type, e.From))
	}
	return g.store.BatchDelete(ctx, keys)
}

// --- Edge operations ---

func (g *KVStore) UpsertEdge(ctx context.Context, e Edge) error {
	if err := validateSegments(e.From, e.To, e.Type); err != nil {
		return err
	}
	props := edgeProps{Score: e.Score, UpdatedAt: time.Now().UnixMilli()}
	existing, err := g.store.Get(ctx, g.fwdKey(e.From, e.Type, e.To))
	switch {
	case err == nil && len(existing) > 0:
		var old edgeProps
		if err := msgpack.Unmarshal(existing, &old); err != nil {
			return fmt.Errorf("graph: decode edge %s-%s->%s: %w", e.From, e.Type, e.To, err)
		}
		props.Score = math.Max(old.Score, e.Score)
	case err != nil && !errors.Is(err, kv.ErrNotFound):
		return err
	}
	data, err := msgpack.Marshal(props)
	if err != nil {
		return fmt.Errorf("graph: encode edge props: %w", err)
	}
	return g.store.BatchSet(ctx, []kv.Entry{
		{Key: g.fwdKey(e.From, e.Type, e.To), Value: data},
		{Key: g.revKey(e.To, e.Type, e.From), Value: data},
	})
}

func (g *KVStore) DeleteEdge(ctx context.Context, from, to, typ string) error {
	if err := validateSegments(from, to, typ); err != nil {
		return err
	}
	return g.store.BatchDelete(ctx, []kv.Key{
		g.fwdKey(from, typ, to),
		g.revKey(to, typ, from),
	})
}

func (g *KVStore) Edges(ctx context.Context, key string) ([]Edge, error) {
	return g.edgesScan(ctx, key, "")
}

// edgesScan collects edges touching key; typ narrows the scan range to
// one edge type when non-empty.
func (g *KVStore) edgesScan(ctx context.Context, key, typ string) ([]Edge, error) {
	if err := validateSegments(key, typ); err != nil {
		return nil, err
	}
	plen := len(g.prefix)
	fwdPrefix := g.join("e", key)
	revPrefix := g.join("ei", key)
	if typ != "" {
		fwdPrefix = g.join("e", key, typ)
		revPrefix = g.join("ei", key, typ)
	}

	var edges []Edge

	// Outgoing.
	for entry, err := range g.store.List(ctx, fwdPrefix) {
		if err != nil {
			return nil, err
		}
		k := entry.Key
		if len(k) != plen+4 {
			continue // malformed key, skip
		}
		e, err := decodeEdge(k[plen+1], k[plen+2], k[plen+3], entry.Value)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}

	// Incoming. Self-loops are already captured by the forward scan.
	for entry, err := range g.store.List(ctx, revPrefix) {
		if err != nil {
			return nil, err
		}
		k := entry.Key
		if len(k) != plen+4 {
			continue
		}
		if k[plen+3] == key {
			continue
		}
		e, err := decodeEdge(k[plen+3], k[plen+2], k[plen+1], entry.Value)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}

	return edges, nil
}

func decodeEdge(from, typ, to string, value []byte) (Edge, error) {
	e := Edge{From: from, To: to, Type: typ}
	if len(value) > 0 {
		var props edgeProps
		if err := msgpack.Unmarshal(value, &props); err != nil {
			return Edge{}, fmt.Errorf("graph: decode edge props: %w", err)
		}
		e.Score = props.Score
		if props.UpdatedAt > 0 {
			e.UpdatedAt = time.UnixMilli(props.UpdatedAt)
		}
	}
	return e, nil
}

// --- Traversal ---

func (g *KVStore) Neighbors(ctx context.Context, key string, types ...string) ([]string, error) {
	if err := validateSegments(types...); err != nil {
		return nil, err
	}
	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}
	filterType := len(typeSet) > 0

	edges, err := g.Edges(ctx, key)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(edges))
	for _, e := range edges {
		if filterType {
			if _, ok := typeSet[e.Type]; !ok {
				continue
			}
		}
		other := e.To
		if other == key {
			other = e.From
		}
		seen[other] = struct{}{}
	}

	result := make([]string, 0, len(seen))
	for k := range seen {
		result = append(result, k)
	}
	sort.Strings(result)
	return result, nil
}

func (g *KVStore) Expand(ctx context.Context, keys []string, hops int) ([]string, error) {
	if err := validateSegments(keys...); err != nil {
		return nil, err
	}
	visited := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		visited[k] = struct{}{}
	}

	frontier := make([]string, len(keys))
	copy(frontier, keys)

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []string
		for _, key := range frontier {
			neighbors, err := g.Neighbors(ctx, key)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if _, ok := visited[n]; !ok {
					visited[n] = struct{}{}
					next = append(next, n)
				}
			}
		}
		frontier = next
	}

	result := make([]string, 0, len(visited))
	for k := range visited {
		result = append(result, k)
	}
	sort.Strings(result)
	return result, nil
}

func (g *KVStore) NodesByKind(ctx context.Context, ns, kind string) iter.Seq2[Node, error] {
	return func(yield func(Node, error) bool) {
		if err := validateSegments(ns, kind); err != nil {
			yield(Node{}, err)
			return
		}
		plen := len(g.prefix)
		for entry, err := range g.store.List(ctx, g.join("n", ns, kind)) {
			if err != nil {
				yield(Node{}, err)
				return
			}
			if len(entry.Key) != plen+4 {
				continue
			}
			n := Node{Key: nodeKeyFromKV(entry.Key, plen)}
			if len(entry.Value) > 0 {
				if err := msgpack.Unmarshal(entry.Value, &n.Attrs); err != nil {
					yield(Node{}, fmt.Errorf("graph: decode node %q: %w", n.Key, err))
					return
				}
			}
			if !yield(n, nil) {
				return
			}
		}
	}
}

// --- Related-memory query ---

func (g *KVStore) RelatedMemories(ctx context.Context, q RelatedQuery) ([]RelatedMemory, error) {
	if len(q.Topics) == 0 && len(q.Entities) == 0 {
		return nil, nil
	}

	// Raw score: +1 per matched topic or entity link.
	raw := make(map[string]float64)

	for _, name := range q.Topics {
		froms, err := g.incoming(ctx, TopicKey(q.Namespace, name), EdgeHasTopic)
		if err != nil {
			return nil, err
		}
		for _, from := range froms {
			if Kind(from) == KindMemory && Namespace(from) == q.Namespace {
				raw[from]++
			}
		}
	}

	if len(q.Entities) > 0 {
		ekeys, err := g.entityKeysByName(ctx, q.Namespace, q.Entities)
		if err != nil {
			return nil, err
		}
		for _, ekey := range ekeys {
			froms, err := g.incoming(ctx, ekey, EdgeMentions)
			if err != nil {
				return nil, err
			}
			for _, from := range froms {
				if Kind(from) == KindMemory && Namespace(from) == q.Namespace {
					raw[from]++
				}
			}
		}
	}

	// One RELATED_TO hop from direct hits. Synapse neighbors enter at
	// their edge score, which keeps them below single-link direct hits
	// after normalization.
	direct := make([]string, 0, len(raw))
	for k := range raw {
		direct = append(direct, k)
	}
	sort.Strings(direct)
	synapse := make(map[string]float64)
	for _, m := range direct {
		edges, err := g.edgesScan(ctx, m, EdgeRelatedTo)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			other := e.To
			if other == m {
				other = e.From
			}
			if _, ok := raw[other]; ok {
				continue
			}
			if Kind(other) != KindMemory || Namespace(other) != q.Namespace {
				continue
			}
			if e.Score > synapse[other] {
				synapse[other] = e.Score
			}
		}
	}
	for k, s := range synapse {
		raw[k] = s
	}

	rows := make([]RelatedMemory, 0, len(raw))
	for key, score := range raw {
		node, err := g.GetNode(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue // dangling edge, tolerate
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, memoryRow(key, node.Attrs, math.Min(1.0, score/2.0)))
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].RelationScore != rows[j].RelationScore {
			return rows[i].RelationScore > rows[j].RelationScore
		}
		if rows[i].Importance != rows[j].Importance {
			return rows[i].Importance > rows[j].Importance
		}
		return rows[i].ID < rows[j].ID
	})
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

// incoming returns the source keys of edges of the given type pointing
// at key.
func (g *KVStore) incoming(ctx context.Context, key, typ string) ([]string, error) {
	if err := validateSegments(key, typ); err != nil {
		return nil, err
	}
	plen := len(g.prefix)
	var froms []string
	for entry, err := range g.store.List(ctx, g.join("ei", key, typ)) {
		if err != nil {
			return nil, err
		}
		if len(entry.Key) != plen+4 {
			continue
		}
		froms = append(froms, entry.Key[plen+3])
	}
	return froms, nil
}

// entityKeysByName resolves entity names to node keys by scanning the
// namespace's entity nodes. Entity keys embed the type, so a name can
// resolve to several keys; all of them count.
func (g *KVStore) entityKeysByName(ctx context.Context, ns string, names []string) ([]string, error) {
	if err := validateSegments(ns); err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	plen := len(g.prefix)
	var keys []string
	for entry, err := range g.store.List(ctx, g.join("n", ns, KindEntity)) {
		if err != nil {
			return nil, err
		}
		if len(entry.Key) != plen+4 {
			continue
		}
		rest := entry.Key[plen+3] // "{type}::{name}"
		i := strings.Index(rest, "::")
		if i < 0 {
			continue
		}
		if _, ok := want[rest[i+2:]]; ok {
			keys = append(keys, ns+"::entity::"+rest)
		}
	}
	return keys, nil
}

// memoryRow builds a RelatedMemory from stored node attrs.
func memoryRow(key string, attrs map[string]any, relationScore float64) RelatedMemory {
	return RelatedMemory{
		ID:            key,
		Content:       attrString(attrs, "content"),
		Importance:    attrFloat(attrs, "importance"),
		Frequency:     attrInt(attrs, "frequency"),
		LastSeenAt:    attrString(attrs, "last_seen_at"),
		RelationScore: relationScore,
		Kind:          attrString(attrs, "kind"),
		MemoryKey:     attrString(attrs, "memory_key"),
		Subject:       attrString(attrs, "subject"),
		ExpiresAt:     attrString(attrs, "expires_at"),
		Confidence:    attrFloat(attrs, "confidence"),
	}
}

// --- Sessions ---

func (g *KVStore) SessionMeta(ctx context.Context, ns, sessionID string) (*SessionMeta, error) {
	if err := validateSegments(ns, sessionID); err != nil {
		return nil, err
	}
	data, err := g.store.Get(ctx, g.sessionMetaKey(ns, sessionID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta SessionMeta
	if err := msgpack.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("graph: decode session meta %s/%s: %w", ns, sessionID, err)
	}
	return &meta, nil
}

func (g *KVStore) SetSessionMeta(ctx context.Context, ns, sessionID string, meta SessionMeta) error {
	if err := validateSegments(ns, sessionID); err != nil {
		return err
	}
	data, err := msgpack.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("graph: encode session meta: %w", err)
	}
	return g.store.Set(ctx, g.sessionMetaKey(ns, sessionID), data)
}

// --- Deletion ---

func (g *KVStore) DeleteMemories(ctx context.Context, ns string, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		if Namespace(id) != ns {
			continue // never reach across namespaces
		}
		kk, err := g.nodeKVKey(id)
		if err != nil {
			continue // malformed id, skip
		}
		if _, err := g.store.Get(ctx, kk); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return deleted, err
		}
		if err := g.DeleteNode(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (g *KVStore) DeleteBySession(ctx context.Context, ns, sessionID string) (int, error) {
	skey := SessionKey(ns, sessionID)
	members, err := g.incoming(ctx, skey, EdgeFromSession)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, m := range members {
		if Kind(m) != KindMemory {
			continue
		}
		if err := g.DeleteNode(ctx, m); err != nil {
			return deleted, err
		}
		deleted++
	}
	if err := g.DeleteNode(ctx, skey); err != nil {
		return deleted, err
	}
	if err := g.store.Delete(ctx, g.sessionMetaKey(ns, sessionID)); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// --- attr coercion ---

// msgpack decodes map values into the narrowest numeric type, so attr
// reads have to widen.

func attrString(attrs map[string]any, key string) string {
	if s, ok := attrs[key].(string); ok {
		return s
	}
	return ""
}

func attrFloat(attrs map[string]any, key string) float64 {
	f, _ := toFloat(attrs[key])
	return f
}

func attrInt(attrs map[string]any, key string) int64 {
	f, ok := toFloat(attrs[key])
	if !ok {
		return 0
	}
	return int64(f)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
