package puppetdb

import "strings"

// DefaultNodeFilter excludes deactivated and expired nodes.
const DefaultNodeFilter = "nodes { deactivated is null and expired is null }"

// QueryFilter holds clauses that are ANDed into a PQL query.
// The zero value is an empty filter.
type QueryFilter struct {
	clauses []string
}

// NewQueryFilter creates an empty filter.
func NewQueryFilter() *QueryFilter {
	return &QueryFilter{}
}

// Add appends a clause. Clauses are applied in insertion order.
func (f *QueryFilter) Add(clause string) {
	f.clauses = append(f.clauses, clause)
}

// Clauses returns a copy of the clauses.
func (f *QueryFilter) Clauses() []string {
	out := make([]string, len(f.clauses))
	copy(out, f.clauses)
	return out
}

// Apply combines query with the filter clauses.
//
// The first top-level { ... } block of the query is treated as its condition.
// The predicate in that block becomes "(c1) and ... and (predicate)". An empty
// predicate is replaced by the clauses alone. Modifiers (group by, order by,
// limit, offset) stay inside the block after the conjunction. A query without
// a block gets one right after its entity and projection.
func (f *QueryFilter) Apply(query string) string {
	if len(f.clauses) == 0 || strings.TrimSpace(query) == "" {
		return query
	}

	open, end, ok := findConditionBlock(query)
	if !ok {
		return f.applyWithoutBlock(query)
	}

	predicate, modifiers := splitModifiers(query[open+1 : end])
	return query[:open] + "{ " + f.condition(predicate, modifiers) + " }" + query[end+1:]
}

func (f *QueryFilter) applyWithoutBlock(query string) string {
	head := entityEnd(query)
	rest := strings.TrimSpace(query[head:])
	if rest != "" {
		if predicate, modifiers := splitModifiers(rest); predicate == "" {
			return strings.TrimRight(query[:head], " \t\r\n") + " { " + f.condition("", modifiers) + " }"
		}
	}
	return strings.TrimRight(query, " \t\r\n") + " { " + f.condition("", "") + " }"
}

func (f *QueryFilter) condition(predicate, modifiers string) string {
	var cond string
	if predicate == "" {
		cond = strings.Join(f.clauses, " and ")
	} else {
		parts := make([]string, 0, len(f.clauses)+1)
		for _, c := range f.clauses {
			parts = append(parts, "("+c+")")
		}
		parts = append(parts, "("+predicate+")")
		cond = strings.Join(parts, " and ")
	}
	if modifiers != "" {
		cond += " " + modifiers
	}
	return cond
}

// findConditionBlock returns the offsets of the first top-level '{' and its
// matching '}'. Braces inside quoted strings are skipped. ok is false when
// there is no block or the braces are unbalanced.
func findConditionBlock(query string) (open, end int, ok bool) {
	depth := 0
	open = -1
	var quote byte
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
		case '{':
			if depth == 0 && open < 0 {
				open = i
			}
			depth++
		case '}':
			if depth == 0 {
				return 0, 0, false
			}
			depth--
			if depth == 0 && open >= 0 {
				return open, i, true
			}
		}
	}
	return 0, 0, false
}

// splitModifiers splits a block body at its first top-level modifier keyword.
// Both parts are trimmed.
func splitModifiers(body string) (predicate, modifiers string) {
	depth := 0
	var quote byte
	for i := 0; i < len(body); i++ {
		ch := body[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		default:
			if depth == 0 && isModifierAt(body, i) {
				return strings.TrimSpace(body[:i]), strings.TrimSpace(body[i:])
			}
		}
	}
	return strings.TrimSpace(body), ""
}

// isModifierAt reports whether "group by", "order by", "limit N" or
// "offset N" starts at s[i].
func isModifierAt(s string, i int) bool {
	if i > 0 && isWordChar(s[i-1]) {
		return false
	}
	for _, w := range []string{"limit", "offset"} {
		if j, ok := wordAt(s, i, w); ok {
			k := skipSpace(s, j)
			return k > j && k < len(s) && s[k] >= '0' && s[k] <= '9'
		}
	}
	for _, w := range []string{"group", "order"} {
		if j, ok := wordAt(s, i, w); ok {
			k := skipSpace(s, j)
			if k == j {
				return false
			}
			_, ok := wordAt(s, k, "by")
			return ok
		}
	}
	return false
}

// entityEnd returns the offset just past the leading entity name and its
// optional [projection].
func entityEnd(query string) int {
	i := skipSpace(query, 0)
	for i < len(query) && isWordChar(query[i]) {
		i++
	}
	j := skipSpace(query, i)
	if j >= len(query) || query[j] != '[' {
		return i
	}

	depth := 0
	var quote byte
	for k := j; k < len(query); k++ {
		ch := query[k]
		if quote != 0 {
			switch ch {
			case '\\':
				k++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
		case '[', '(':
			depth++
		case ']', ')':
			depth--
			if depth == 0 {
				return k + 1
			}
		}
	}
	return i
}

func wordAt(s string, i int, word string) (int, bool) {
	if !strings.HasPrefix(s[i:], word) {
		return 0, false
	}
	j := i + len(word)
	if j < len(s) && isWordChar(s[j]) {
		return 0, false
	}
	return j, true
}

func skipSpace(s string, i int) int {
	for i < len(s) && strings.IndexByte(" \t\r\n", s[i]) >= 0 {
		i++
	}
	return i
}

func isWordChar(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}
