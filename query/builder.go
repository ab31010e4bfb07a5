package query

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/linvanda2/mysql/taskctx"
)

var (
	ErrNoTable = errors.New("no table set on the builder")
	ErrNoStash = errors.New("no stashed builder state to apply")
)

// Builder sections accepted by Reset.
const (
	SectionFields = "fields"
	SectionWhere  = "where"
	SectionOrder  = "order"
	SectionGroup  = "group"
	SectionLimit  = "limit"
	SectionAll    = "all"
)

// builderState is the per-task slice of a Builder.
type builderState struct {
	table  string
	fields string
	where  []string
	args   []interface{}
	order  string
	group  string
	limit  int // -1 means unset
	offset int // -1 means unset

	lastSQL  string
	lastArgs []interface{}

	stash *builderState
}

func newBuilderState() *builderState {
	return &builderState{fields: "*", limit: -1, offset: -1}
}

// snapshot deep-copies the compilable parts of the state.
func (s *builderState) snapshot() *builderState {
	c := &builderState{
		table:  s.table,
		fields: s.fields,
		order:  s.order,
		group:  s.group,
		limit:  s.limit,
		offset: s.offset,
	}
	c.where = append([]string(nil), s.where...)
	c.args = append([]interface{}(nil), s.args...)
	return c
}

// Builder composes SELECT statements from task-scoped parts, so one Builder
// can serve many tasks at once. Fluent mutators are no-ops without a task
// context; Compile reports the missing store.
type Builder struct {
	key string
}

func NewBuilder() *Builder {
	return &Builder{key: "query.builder:" + uuid.NewString()}
}

func (b *Builder) state(ctx context.Context) (*builderState, error) {
	store, ok := taskctx.FromContext(ctx)
	if !ok {
		return nil, ErrNoTaskContext
	}
	if v, ok := store.Get(b.key); ok {
		return v.(*builderState), nil
	}
	s := newBuilderState()
	store.Set(b.key, s)
	return s, nil
}

func (b *Builder) mutate(ctx context.Context, fn func(*builderState)) *Builder {
	if s, err := b.state(ctx); err == nil {
		fn(s)
	}
	return b
}

func (b *Builder) Table(ctx context.Context, table string) *Builder {
	return b.mutate(ctx, func(s *builderState) { s.table = table })
}

func (b *Builder) Fields(ctx context.Context, fields string) *Builder {
	return b.mutate(ctx, func(s *builderState) { s.fields = fields })
}

// Where adds a predicate; multiple predicates are joined with AND.
func (b *Builder) Where(ctx context.Context, cond string, args ...interface{}) *Builder {
	return b.mutate(ctx, func(s *builderState) {
		s.where = append(s.where, cond)
		s.args = append(s.args, args...)
	})
}

func (b *Builder) OrderBy(ctx context.Context, order string) *Builder {
	return b.mutate(ctx, func(s *builderState) { s.order = order })
}

func (b *Builder) GroupBy(ctx context.Context, group string) *Builder {
	return b.mutate(ctx, func(s *builderState) { s.group = group })
}

func (b *Builder) Limit(ctx context.Context, n int) *Builder {
	return b.mutate(ctx, func(s *builderState) { s.limit = n })
}

func (b *Builder) Offset(ctx context.Context, n int) *Builder {
	return b.mutate(ctx, func(s *builderState) { s.offset = n })
}

// Reset clears one section of the task's builder state, or all of it
// (stash included) with SectionAll.
func (b *Builder) Reset(ctx context.Context, section string) *Builder {
	return b.mutate(ctx, func(s *builderState) {
		switch section {
		case SectionFields:
			s.fields = "*"
		case SectionWhere:
			s.where = nil
			s.args = nil
		case SectionOrder:
			s.order = ""
		case SectionGroup:
			s.group = ""
		case SectionLimit:
			s.limit = -1
			s.offset = -1
		case SectionAll:
			*s = *newBuilderState()
		}
	})
}

// Stash snapshots the task's builder state so a multi-step operation can
// rewrite it and restore it afterwards.
func (b *Builder) Stash(ctx context.Context) error {
	s, err := b.state(ctx)
	if err != nil {
		return err
	}
	s.stash = s.snapshot()
	return nil
}

// StashApply restores the state saved by Stash and drops the stash.
func (b *Builder) StashApply(ctx context.Context) error {
	s, err := b.state(ctx)
	if err != nil {
		return err
	}
	if s.stash == nil {
		return ErrNoStash
	}
	stash := s.stash
	*s = *stash
	return nil
}

// Compile renders the task's builder state into (sql, args) and remembers
// them for RawSQL.
func (b *Builder) Compile(ctx context.Context) (string, []interface{}, error) {
	s, err := b.state(ctx)
	if err != nil {
		return "", nil, err
	}
	if s.table == "" {
		return "", nil, ErrNoTable
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(s.fields)
	sb.WriteString(" FROM ")
	sb.WriteString(s.table)
	if len(s.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(s.where, " AND "))
	}
	if s.group != "" {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(s.group)
	}
	if s.order != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(s.order)
	}
	if s.limit >= 0 {
		fmt.Fprintf(&sb, " LIMIT %d", s.limit)
		if s.offset >= 0 {
			fmt.Fprintf(&sb, " OFFSET %d", s.offset)
		}
	}

	query, args, err := b.PrepareSQL(sb.String(), append([]interface{}(nil), s.args...))
	if err != nil {
		return "", nil, err
	}
	s.lastSQL = query
	s.lastArgs = args
	return query, args, nil
}

// PrepareSQL expands named parameters (a single map[string]interface{} or
// struct argument) and IN-clause slices into plain positional bindvars.
// Maps of any other type are not treated as named parameters.
func (b *Builder) PrepareSQL(query string, args []interface{}) (string, []interface{}, error) {
	if len(args) == 1 && isNamedArg(args[0]) {
		var err error
		query, args, err = sqlx.Named(query, args[0])
		if err != nil {
			return "", nil, errors.Wrap(err, "expand named parameters")
		}
	}
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, errors.Wrap(err, "expand in-clause parameters")
	}
	return query, args, nil
}

// RawSQL returns the last compiled statement and its arguments.
func (b *Builder) RawSQL(ctx context.Context) (string, []interface{}, error) {
	s, err := b.state(ctx)
	if err != nil {
		return "", nil, err
	}
	return s.lastSQL, s.lastArgs, nil
}

// isNamedArg reports whether v is passed to sqlx.Named: a
// map[string]interface{} or a (pointer to) struct. time.Time stays a plain
// value.
func isNamedArg(v interface{}) bool {
	if v == nil {
		return false
	}
	if _, ok := v.(map[string]interface{}); ok {
		return true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct && rv.Type() != reflect.TypeOf(time.Time{})
}
