// Package relation discovers inter-table relations and resolves connecting
// paths for JOIN planning. Discovery merges declared foreign keys with three
// name-based heuristics; path resolution is an approximate reachability
// search, not a cost-optimal planner. Both are pure and never fail on
// partial or missing data.
package relation

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/parallaxdata/chatbi/pkg/metadata"
)

// JoinKind is the recommended join strategy between two tables.
type JoinKind string

const (
	JoinInner JoinKind = "INNER"
	JoinLeft  JoinKind = "LEFT"
	JoinRight JoinKind = "RIGHT"
	JoinFull  JoinKind = "FULL"
)

// Cardinality is the estimated relationship cardinality.
type Cardinality string

const (
	OneToOne   Cardinality = "1:1"
	OneToMany  Cardinality = "1:N"
	ManyToOne  Cardinality = "N:1"
	ManyToMany Cardinality = "N:N"
)

// Edge is one discovered relation between two tables.
type Edge struct {
	SourceTable string
	SourceField string
	TargetTable string
	TargetField string
	Cardinality Cardinality
	Join        JoinKind
	Confidence  float64
	Origin      string // foreign_key | same_field | id_pattern | vocabulary
}

// Condition renders the join condition, or "" when the fields are unknown.
func (e Edge) Condition() string {
	if e.SourceField == "" || e.TargetField == "" {
		return ""
	}
	return fmt.Sprintf("%s.%s = %s.%s", e.SourceTable, e.SourceField, e.TargetTable, e.TargetField)
}

// Table is the schema input to discovery.
type Table struct {
	ID      int64
	Name    string
	Comment string
	Columns []metadata.Column
}

// Path is the result of resolving a connecting path.
type Path struct {
	Visited     []string // visitation order, start table first
	Relations   []Edge   // edges used, in traversal order
	Unreachable []string // required tables with no path, omitted from Visited
	Description string   // hop-by-hop human-readable summary
}

// Resolver discovers relations and resolves paths.
type Resolver struct {
	log *slog.Logger

	// vocabulary holds domain table-name pairs that commonly relate even
	// without matching fields (heuristic d).
	vocabulary map[string][]string
}

// NewResolver creates a resolver with the default domain vocabulary.
func NewResolver(log *slog.Logger) *Resolver {
	return &Resolver{
		log: log,
		vocabulary: map[string][]string{
			"user":     {"order", "account", "login_log", "session"},
			"order":    {"order_item", "payment", "shipment"},
			"product":  {"order_item", "category", "inventory"},
			"customer": {"order", "invoice"},
			"employee": {"department", "salary"},
		},
	}
}

// joinForCardinality maps cardinality to the recommended JOIN kind.
// Documented default; callers may override per edge.
func joinForCardinality(c Cardinality) JoinKind {
	switch c {
	case OneToOne, ManyToMany:
		return JoinInner
	default:
		return JoinLeft
	}
}

// Discover merges declared foreign keys with name-based heuristics, applied
// in order and deduplicated keeping the highest-confidence edge per pair.
func (r *Resolver) Discover(tables []Table, declared []metadata.Relation) []Edge {
	byName := make(map[string]Table, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	var edges []Edge

	// (a) declared foreign keys
	for _, rel := range declared {
		src, okSrc := byName[rel.SourceTable]
		dst, okDst := byName[rel.TargetTable]
		if !okSrc || !okDst {
			continue
		}
		card := estimateCardinality(src, rel.SourceField, dst, rel.TargetField)
		edges = append(edges, Edge{
			SourceTable: rel.SourceTable,
			SourceField: rel.SourceField,
			TargetTable: rel.TargetTable,
			TargetField: rel.TargetField,
			Cardinality: card,
			Join:        JoinInner,
			Confidence:  1.0,
			Origin:      "foreign_key",
		})
	}

	// (b) identical field names across tables
	for i := 0; i < len(tables); i++ {
		for j := i + 1; j < len(tables); j++ {
			for _, ca := range tables[i].Columns {
				if isGenericField(ca.Name) {
					continue
				}
				for _, cb := range tables[j].Columns {
					if !strings.EqualFold(ca.Name, cb.Name) {
						continue
					}
					card := estimateCardinality(tables[i], ca.Name, tables[j], cb.Name)
					edges = append(edges, Edge{
						SourceTable: tables[i].Name,
						SourceField: ca.Name,
						TargetTable: tables[j].Name,
						TargetField: cb.Name,
						Cardinality: card,
						Join:        joinForCardinality(card),
						Confidence:  0.8,
						Origin:      "same_field",
					})
				}
			}
		}
	}

	// (c) <table>_id naming pattern against a peer primary key
	for _, t := range tables {
		for _, col := range t.Columns {
			peerName, ok := referencedTable(col.Name, byName)
			if !ok || peerName == t.Name {
				continue
			}
			peer := byName[peerName]
			pk, pkName := primaryKey(peer)
			confidence := 0.6
			targetField := pkName
			if pk {
				confidence = 0.7
			} else if hasColumn(peer, "id") {
				targetField = "id"
			}
			edges = append(edges, Edge{
				SourceTable: t.Name,
				SourceField: col.Name,
				TargetTable: peerName,
				TargetField: targetField,
				Cardinality: ManyToOne,
				Join:        joinForCardinality(ManyToOne),
				Confidence:  confidence,
				Origin:      "id_pattern",
			})
		}
	}

	// (d) domain vocabulary table-name pairs
	for _, t := range tables {
		base := singular(t.Name)
		for _, peerBase := range r.vocabulary[base] {
			for _, peer := range tables {
				if peer.Name == t.Name || singular(peer.Name) != peerBase {
					continue
				}
				srcField, dstField := guessJoinFields(t, peer)
				edges = append(edges, Edge{
					SourceTable: t.Name,
					SourceField: srcField,
					TargetTable: peer.Name,
					TargetField: dstField,
					Cardinality: OneToMany,
					Join:        joinForCardinality(OneToMany),
					Confidence:  0.6,
					Origin:      "vocabulary",
				})
			}
		}
	}

	return dedupe(edges)
}

// dedupe keeps the highest-confidence edge per unordered table pair and
// field pair. Discovery order breaks confidence ties, so declared foreign
// keys always win.
func dedupe(edges []Edge) []Edge {
	type key struct{ a, b string }
	best := make(map[key]Edge)
	var order []key

	for _, e := range edges {
		a, b := pairKey(e)
		k := key{a, b}
		prev, seen := best[k]
		if !seen {
			best[k] = e
			order = append(order, k)
			continue
		}
		if e.Confidence > prev.Confidence {
			best[k] = e
		}
	}

	out := make([]Edge, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

func pairKey(e Edge) (string, string) {
	a := e.SourceTable + "." + e.SourceField
	b := e.TargetTable + "." + e.TargetField
	if a > b {
		a, b = b, a
	}
	return a, b
}

// estimateCardinality uses primary-key placement on both ends.
func estimateCardinality(src Table, srcField string, dst Table, dstField string) Cardinality {
	srcPK := fieldIsPrimary(src, srcField)
	dstPK := fieldIsPrimary(dst, dstField)
	switch {
	case srcPK && dstPK:
		return OneToOne
	case dstPK:
		return ManyToOne
	case srcPK:
		return OneToMany
	default:
		return ManyToMany
	}
}

func fieldIsPrimary(t Table, field string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, field) {
			return c.PrimaryKey
		}
	}
	return false
}

func hasColumn(t Table, name string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

func primaryKey(t Table) (bool, string) {
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return true, c.Name
		}
	}
	return false, ""
}

// referencedTable resolves a `<table>_id` column name to a known table,
// tolerating singular/plural naming on either side.
func referencedTable(column string, tables map[string]Table) (string, bool) {
	name := strings.ToLower(column)
	if !strings.HasSuffix(name, "_id") {
		return "", false
	}
	base := strings.TrimSuffix(name, "_id")
	for _, candidate := range []string{base, base + "s", base + "es"} {
		if _, ok := tables[candidate]; ok {
			return candidate, true
		}
	}
	return "", false
}

// guessJoinFields looks for a `<src>_id` column on the peer, then a shared
// primary-key name. Empty fields mean the edge carries no join condition.
func guessJoinFields(src, dst Table) (string, string) {
	want := singular(src.Name) + "_id"
	for _, c := range dst.Columns {
		if strings.EqualFold(c.Name, want) {
			if ok, pk := primaryKey(src); ok {
				return pk, c.Name
			}
			if hasColumn(src, "id") {
				return "id", c.Name
			}
			return "", c.Name
		}
	}
	return "", ""
}

// isGenericField filters audit/identity columns whose names repeat across
// unrelated tables and would otherwise produce noise edges.
func isGenericField(name string) bool {
	switch strings.ToLower(name) {
	case "id", "name", "status", "type", "comment", "description",
		"created_at", "updated_at", "deleted_at", "created_by", "updated_by":
		return true
	}
	return false
}

func singular(name string) string {
	name = strings.ToLower(name)
	if strings.HasSuffix(name, "es") && len(name) > 3 {
		return strings.TrimSuffix(name, "es")
	}
	if strings.HasSuffix(name, "s") && len(name) > 2 {
		return strings.TrimSuffix(name, "s")
	}
	return name
}

// ResolvePath computes a visitation order from start to the required tables
// over the discovered edges. Edges are unit hops; the inverse-confidence
// weight only breaks ties among parallel edges. Required tables with no path
// are reported in Unreachable and omitted from the result.
func (r *Resolver) ResolvePath(edges []Edge, start string, required []string) Path {
	adjacency := make(map[string][]Edge)
	addEdge := func(from string, e Edge) {
		adjacency[from] = append(adjacency[from], e)
	}
	for _, e := range edges {
		addEdge(e.SourceTable, e)
		addEdge(e.TargetTable, reverse(e))
	}
	// Highest confidence first so parallel edges tie-break deterministically.
	for from := range adjacency {
		sort.SliceStable(adjacency[from], func(i, j int) bool {
			return adjacency[from][i].Confidence > adjacency[from][j].Confidence
		})
	}

	parent := make(map[string]Edge)
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range adjacency[cur] {
			next := e.TargetTable
			if visited[next] {
				continue
			}
			visited[next] = true
			parent[next] = e
			queue = append(queue, next)
		}
	}

	path := Path{Visited: []string{start}}
	seen := map[string]bool{start: true}
	usedEdge := make(map[string]bool)

	for _, want := range required {
		if want == start {
			continue
		}
		if !visited[want] {
			path.Unreachable = append(path.Unreachable, want)
			continue
		}
		// Walk back to the start collecting the hop chain.
		var chain []Edge
		for cur := want; cur != start; {
			e := parent[cur]
			chain = append(chain, e)
			cur = e.SourceTable
		}
		for i := len(chain) - 1; i >= 0; i-- {
			e := chain[i]
			if !seen[e.TargetTable] {
				seen[e.TargetTable] = true
				path.Visited = append(path.Visited, e.TargetTable)
			}
			ek := e.SourceTable + ">" + e.TargetTable + ":" + e.SourceField
			if !usedEdge[ek] {
				usedEdge[ek] = true
				path.Relations = append(path.Relations, e)
			}
		}
	}

	path.Description = describe(path)
	return path
}

// reverse flips an edge for undirected traversal, swapping the cardinality
// orientation with it.
func reverse(e Edge) Edge {
	card := e.Cardinality
	switch card {
	case OneToMany:
		card = ManyToOne
	case ManyToOne:
		card = OneToMany
	}
	return Edge{
		SourceTable: e.TargetTable,
		SourceField: e.TargetField,
		TargetTable: e.SourceTable,
		TargetField: e.SourceField,
		Cardinality: card,
		Join:        e.Join,
		Confidence:  e.Confidence,
		Origin:      e.Origin,
	}
}

func describe(p Path) string {
	if len(p.Relations) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, e := range p.Relations {
		if i > 0 {
			sb.WriteString("\n")
		}
		cond := e.Condition()
		if cond == "" {
			cond = "condition unknown"
		}
		fmt.Fprintf(&sb, "%s -> %s: %s JOIN on %s (confidence %.2f)",
			e.SourceTable, e.TargetTable, e.Join, cond, e.Confidence)
	}
	return sb.String()
}
