package sqlexpr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/flowq/internal/ir"
)

// Compile renders a Query to PostgreSQL text.
//
// Values are inlined as quoted literals rather than bound as parameters
// because the text ends up inside CREATE TABLE ... AS, which does not accept
// bind parameters. Output is deterministic for a given Query.
func Compile(q Query) (string, error) {
	var sb strings.Builder
	if err := writeQuery(&sb, q); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// MustCompile is like Compile but panics on error. Use only in tests.
func MustCompile(q Query) string {
	s, err := Compile(q)
	if err != nil {
		panic(err)
	}
	return s
}

func writeQuery(sb *strings.Builder, q Query) error {
	switch query := q.(type) {
	case nil:
		return fmt.Errorf("cannot compile nil query")
	case Select:
		return writeSelect(sb, query)
	case *Select:
		return writeSelect(sb, *query)
	case UnionAll:
		return writeUnion(sb, query)
	case *UnionAll:
		return writeUnion(sb, *query)
	default:
		return fmt.Errorf("unsupported query type: %T", q)
	}
}

func writeSelect(sb *strings.Builder, q Select) error {
	if len(q.Columns) == 0 {
		return fmt.Errorf("select has no columns")
	}
	sb.WriteString("SELECT ")
	if len(q.DistinctOn) > 0 {
		sb.WriteString("DISTINCT ON (")
		sb.WriteString(strings.Join(q.DistinctOn, ", "))
		sb.WriteString(") ")
	}
	for i, col := range q.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(col.Expr)
		if col.As != "" && col.As != col.Expr {
			sb.WriteString(" AS ")
			sb.WriteString(col.As)
		}
	}

	if q.From != nil {
		sb.WriteString(" FROM ")
		if err := writeSource(sb, q.From); err != nil {
			return fmt.Errorf("compile source: %w", err)
		}
	}

	if q.Where != nil {
		var where strings.Builder
		if err := writePredicate(&where, q.Where); err != nil {
			return fmt.Errorf("compile filter: %w", err)
		}
		if where.Len() > 0 {
			sb.WriteString(" WHERE ")
			sb.WriteString(where.String())
		}
	}
	if len(q.GroupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(q.GroupBy, ", "))
	}
	if len(q.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(q.OrderBy, ", "))
	}
	return nil
}

func writeUnion(sb *strings.Builder, u UnionAll) error {
	if len(u.Queries) == 0 {
		return fmt.Errorf("union has no queries")
	}
	for i, q := range u.Queries {
		if i > 0 {
			sb.WriteString(" UNION ALL ")
		}
		if err := writeQuery(sb, q); err != nil {
			return fmt.Errorf("union[%d]: %w", i, err)
		}
	}
	return nil
}

func writeSource(sb *strings.Builder, s Source) error {
	switch src := s.(type) {
	case Table:
		return writeTable(sb, src)
	case *Table:
		return writeTable(sb, *src)
	case Subquery:
		return writeSubquery(sb, src)
	case *Subquery:
		return writeSubquery(sb, *src)
	case Join:
		return writeJoin(sb, src)
	case *Join:
		return writeJoin(sb, *src)
	default:
		return fmt.Errorf("unsupported source type: %T", s)
	}
}

func writeTable(sb *strings.Builder, t Table) error {
	if !validRelation(t.Name) {
		return fmt.Errorf("invalid table name %q", t.Name)
	}
	sb.WriteString(t.Name)
	if t.Alias != "" {
		if !validIdent(t.Alias) {
			return fmt.Errorf("invalid alias %q", t.Alias)
		}
		sb.WriteString(" AS ")
		sb.WriteString(t.Alias)
	}
	return nil
}

func writeSubquery(sb *strings.Builder, s Subquery) error {
	if !validIdent(s.Alias) {
		return fmt.Errorf("subquery needs a valid alias, got %q", s.Alias)
	}
	sb.WriteByte('(')
	if err := writeQuery(sb, s.Query); err != nil {
		return err
	}
	sb.WriteString(") AS ")
	sb.WriteString(s.Alias)
	return nil
}

func writeJoin(sb *strings.Builder, j Join) error {
	if (len(j.Using) == 0) == (j.On == "") {
		return fmt.Errorf("join needs exactly one of USING or ON")
	}
	if err := writeSource(sb, j.Left); err != nil {
		return fmt.Errorf("join left: %w", err)
	}
	sb.WriteString(" JOIN ")
	if err := writeSource(sb, j.Right); err != nil {
		return fmt.Errorf("join right: %w", err)
	}
	if len(j.Using) > 0 {
		sb.WriteString(" USING (")
		sb.WriteString(strings.Join(j.Using, ", "))
		sb.WriteByte(')')
		return nil
	}
	sb.WriteString(" ON ")
	sb.WriteString(j.On)
	return nil
}

// writePredicate writes nothing for an empty And so the caller can omit WHERE.
func writePredicate(sb *strings.Builder, p Predicate) error {
	switch pred := p.(type) {
	case Equals:
		lit, err := Literal(pred.Value)
		if err != nil {
			return fmt.Errorf("%s: %w", pred.Column, err)
		}
		fmt.Fprintf(sb, "%s = %s", pred.Column, lit)
	case Range:
		from, err := Literal(pred.From)
		if err != nil {
			return fmt.Errorf("%s: %w", pred.Column, err)
		}
		to, err := Literal(pred.To)
		if err != nil {
			return fmt.Errorf("%s: %w", pred.Column, err)
		}
		fmt.Fprintf(sb, "%s >= %s AND %s < %s", pred.Column, from, pred.Column, to)
	case In:
		if len(pred.Values) == 0 {
			return fmt.Errorf("%s: empty IN list", pred.Column)
		}
		lits := make([]string, len(pred.Values))
		for i, v := range pred.Values {
			lit, err := Literal(v)
			if err != nil {
				return fmt.Errorf("%s[%d]: %w", pred.Column, i, err)
			}
			lits[i] = lit
		}
		fmt.Fprintf(sb, "%s IN (%s)", pred.Column, strings.Join(lits, ", "))
	case Raw:
		sb.WriteString(pred.SQL)
	case And:
		first := true
		for _, inner := range pred.Predicates {
			var part strings.Builder
			if err := writePredicate(&part, inner); err != nil {
				return err
			}
			if part.Len() == 0 {
				continue
			}
			if !first {
				sb.WriteString(" AND ")
			}
			sb.WriteString(part.String())
			first = false
		}
	case nil:
	default:
		return fmt.Errorf("unsupported predicate type: %T", p)
	}
	return nil
}

// As returns src under a new alias. Joins that read the same child twice
// need distinct aliases for each side.
func As(src Source, alias string) Source {
	switch s := src.(type) {
	case Table:
		s.Alias = alias
		return s
	case Subquery:
		s.Alias = alias
		return s
	default:
		return Subquery{Query: Select{Columns: []Column{Col("*")}, From: src}, Alias: alias}
	}
}

// Literal renders a scalar value as a PostgreSQL literal.
func Literal(v ir.Value) (string, error) {
	switch val := v.(type) {
	case ir.String:
		s := string(val)
		if strings.ContainsRune(s, 0) {
			return "", fmt.Errorf("string literal contains NUL")
		}
		return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
	case ir.Int:
		return strconv.FormatInt(int64(val), 10), nil
	case ir.Bool:
		if val {
			return "TRUE", nil
		}
		return "FALSE", nil
	default:
		return "", fmt.Errorf("unsupported literal type: %T", v)
	}
}

// validRelation accepts ident or schema.ident.
func validRelation(name string) bool {
	schema, rel, found := strings.Cut(name, ".")
	if !found {
		return validIdent(name)
	}
	return validIdent(schema) && validIdent(rel)
}

// IsIdent reports whether s is a plain lower-case identifier that can be
// used unquoted as a schema, table or column name.
func IsIdent(s string) bool { return validIdent(s) }

func validIdent(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
