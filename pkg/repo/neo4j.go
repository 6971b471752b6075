package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// Neo4jRepo stores entities as nodes with one label, keyed by a property.
type Neo4jRepo[T any, ID comparable] struct {
	driver     neo4j.DriverWithContext
	database   string
	label      string
	idKey      string
	versionKey string
	toMap      func(T) map[string]any
	fromRecord func(*neo4j.Record) (T, error)
	onInvalid  func(error)
	newSession func(ctx context.Context, write bool) runner // for testing
}

// Neo4jOption configures a Neo4jRepo.
type Neo4jOption[T any, ID comparable] func(*Neo4jRepo[T, ID])

// WithIDKey sets the property name used as the ID (default "id").
func WithIDKey[T any, ID comparable](key string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.idKey = key }
}

// WithVersionKey makes Upsert increment the named integer property in the
// same statement that replaces the node.
func WithVersionKey[T any, ID comparable](key string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.versionKey = key }
}

// WithSkipInvalid makes List skip records that fromRecord rejects, reporting
// each to f instead of failing the whole listing.
func WithSkipInvalid[T any, ID comparable](f func(error)) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.onInvalid = f }
}

// WithDatabase selects a non-default database.
func WithDatabase[T any, ID comparable](name string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.database = name }
}

// NewNeo4jRepo creates a new Neo4j-backed repository. fromRecord receives
// records whose first value is the node bound to "n".
func NewNeo4jRepo[T any, ID comparable](
	driver neo4j.DriverWithContext,
	label string,
	toMap func(T) map[string]any,
	fromRecord func(*neo4j.Record) (T, error),
	opts ...Neo4jOption[T, ID],
) *Neo4jRepo[T, ID] {
	r := &Neo4jRepo[T, ID]{
		driver:     driver,
		label:      label,
		idKey:      "id",
		toMap:      toMap,
		fromRecord: fromRecord,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ Repository[any, string] = (*Neo4jRepo[any, string])(nil)

// neo4jSessionAdapter adapts neo4j.SessionWithContext to the runner interface.
type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

func (r *Neo4jRepo[T, ID]) session(ctx context.Context, write bool) runner {
	if r.newSession != nil {
		return r.newSession(ctx, write)
	}
	mode := neo4j.AccessModeRead
	if write {
		mode = neo4j.AccessModeWrite
	}
	return &neo4jSessionAdapter{sess: r.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: r.database,
	})}
}

// EnsureConstraint creates the uniqueness constraint on the id property.
func (r *Neo4jRepo[T, ID]) EnsureConstraint(ctx context.Context) error {
	sess := r.session(ctx, true)
	defer sess.Close(ctx)
	cypher := fmt.Sprintf("CREATE CONSTRAINT %s_%s_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
		strings.ToLower(r.label), r.idKey, r.label, r.idKey)
	res, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return fmt.Errorf("repo: constraint %s: %w", r.label, err)
	}
	return res.Err()
}

func (r *Neo4jRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var zero T
	sess := r.session(ctx, false)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) RETURN n", r.label, r.idKey)
	res, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return zero, fmt.Errorf("repo: get %s: %w", r.label, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return zero, fmt.Errorf("repo: get %s: %w", r.label, err)
		}
		return zero, ErrNotFound
	}
	return r.fromRecord(res.Record())
}

// listCypher builds the List statement. Filter keys are sorted so the
// statement text is stable.
func (r *Neo4jRepo[T, ID]) listCypher(opts ListOpts) (string, map[string]any) {
	params := map[string]any{}
	var where []string
	keys := make([]string, 0, len(opts.Filter))
	for k := range opts.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		where = append(where, fmt.Sprintf("n.%s = $f_%s", k, k))
		params["f_"+k] = opts.Filter[k]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MATCH (n:%s)", r.label)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " RETURN n ORDER BY n.%s", r.idKey)
	if opts.Offset > 0 {
		b.WriteString(" SKIP $offset")
		params["offset"] = opts.Offset
	}
	if opts.Limit > 0 {
		b.WriteString(" LIMIT $limit")
		params["limit"] = opts.Limit
	}
	return b.String(), params
}

func (r *Neo4jRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	sess := r.session(ctx, false)
	defer sess.Close(ctx)

	cypher, params := r.listCypher(opts)
	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("repo: list %s: %w", r.label, err)
	}

	var items []T
	for res.Next(ctx) {
		item, err := r.fromRecord(res.Record())
		if err != nil {
			if r.onInvalid != nil {
				r.onInvalid(err)
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}
	return items, res.Err()
}

// Upsert replaces the node's whole property map in a single statement, so
// readers see either the old or the new node.
func (r *Neo4jRepo[T, ID]) Upsert(ctx context.Context, id ID, entity T) (T, error) {
	var zero T
	sess := r.session(ctx, true)
	defer sess.Close(ctx)

	props := r.toMap(entity)
	props[r.idKey] = id

	var cypher string
	if r.versionKey != "" {
		cypher = fmt.Sprintf(
			"MERGE (n:%s {%s: $id}) WITH n, coalesce(n.%s, 0) + 1 AS v SET n = $props, n.%s = v RETURN n",
			r.label, r.idKey, r.versionKey, r.versionKey)
	} else {
		cypher = fmt.Sprintf("MERGE (n:%s {%s: $id}) SET n = $props RETURN n", r.label, r.idKey)
	}
	res, err := sess.Run(ctx, cypher, map[string]any{"id": id, "props": props})
	if err != nil {
		return zero, fmt.Errorf("repo: upsert %s: %w", r.label, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return zero, fmt.Errorf("repo: upsert %s: %w", r.label, err)
		}
		return zero, fmt.Errorf("repo: upsert %s: no row returned", r.label)
	}
	return r.fromRecord(res.Record())
}

// Patch sets the given properties on an existing node, leaving the rest.
func (r *Neo4jRepo[T, ID]) Patch(ctx context.Context, id ID, props map[string]any) error {
	sess := r.session(ctx, true)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) SET n += $props RETURN n", r.label, r.idKey)
	res, err := sess.Run(ctx, cypher, map[string]any{"id": id, "props": props})
	if err != nil {
		return fmt.Errorf("repo: patch %s: %w", r.label, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return fmt.Errorf("repo: patch %s: %w", r.label, err)
		}
		return ErrNotFound
	}
	return nil
}

func (r *Neo4jRepo[T, ID]) Delete(ctx context.Context, id ID) error {
	sess := r.session(ctx, true)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) DETACH DELETE n", r.label, r.idKey)
	res, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("repo: delete %s: %w", r.label, err)
	}
	return res.Err()
}
