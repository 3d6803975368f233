package puppetdb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryFilter_NoClausesIsIdentity(t *testing.T) {
	f := NewQueryFilter()

	queries := []string{
		"",
		"   ",
		"nodes",
		`nodes[certname] { facts { name = "os" } }`,
		`inventory { facts.os.family = "RedHat" order by certname limit 10 }`,
		"unbalanced {",
	}
	for _, q := range queries {
		assert.Equal(t, q, f.Apply(q))
	}
}

func TestQueryFilter_ZeroValue(t *testing.T) {
	var f QueryFilter
	assert.Equal(t, "nodes", f.Apply("nodes"))
	assert.Empty(t, f.Clauses())

	f.Add("a = 1")
	assert.Equal(t, "nodes { a = 1 }", f.Apply("nodes"))
}

func TestQueryFilter_Apply(t *testing.T) {
	tests := []struct {
		name    string
		clauses []string
		query   string
		want    string
	}{
		{
			name:    "bare entity gets a condition block",
			clauses: []string{DefaultNodeFilter},
			query:   "nodes",
			want:    "nodes { nodes { deactivated is null and expired is null } }",
		},
		{
			name:    "projection without condition",
			clauses: []string{"a = 1"},
			query:   "nodes[certname]  ",
			want:    "nodes[certname] { a = 1 }",
		},
		{
			name:    "existing condition is ANDed",
			clauses: []string{DefaultNodeFilter},
			query:   `facts[certname, value] { name = "osfamily" }`,
			want:    `facts[certname, value] { (nodes { deactivated is null and expired is null }) and (name = "osfamily") }`,
		},
		{
			name:    "empty condition block is replaced",
			clauses: []string{"a = 1", "b = 2"},
			query:   "nodes[certname] {}",
			want:    "nodes[certname] { a = 1 and b = 2 }",
		},
		{
			name:    "limit stays inside the block",
			clauses: []string{DefaultNodeFilter},
			query:   `nodes[certname] { certname ~ "^web" limit 5 }`,
			want:    `nodes[certname] { (nodes { deactivated is null and expired is null }) and (certname ~ "^web") limit 5 }`,
		},
		{
			name:    "order by and offset stay inside the block",
			clauses: []string{"a = 1"},
			query:   `facts[certname, value] { name = "uptime_seconds" order by value desc offset 2 }`,
			want:    `facts[certname, value] { (a = 1) and (name = "uptime_seconds") order by value desc offset 2 }`,
		},
		{
			name:    "block with only modifiers",
			clauses: []string{"a = 1", "b = 2"},
			query:   "nodes[certname] { limit 5 }",
			want:    "nodes[certname] { a = 1 and b = 2 limit 5 }",
		},
		{
			name:    "group by",
			clauses: []string{DefaultNodeFilter},
			query:   "facts[name, count()] { group by name }",
			want:    "facts[name, count()] { nodes { deactivated is null and expired is null } group by name }",
		},
		{
			name:    "predicate then group by",
			clauses: []string{"a = 1"},
			query:   `facts[name, count()] { certname ~ "db" group by name }`,
			want:    `facts[name, count()] { (a = 1) and (certname ~ "db") group by name }`,
		},
		{
			name:    "modifier words in strings and names are not modifiers",
			clauses: []string{"a = 1"},
			query:   `facts { value = "order by x" and name = 'limit 3' and facts.limit = 4 limit 1 }`,
			want:    `facts { (a = 1) and (value = "order by x" and name = 'limit 3' and facts.limit = 4) limit 1 }`,
		},
		{
			name:    "subquery modifiers stay in the predicate",
			clauses: []string{"a = 1"},
			query:   `nodes { certname in facts[certname] { name = "x" limit 1 } order by certname }`,
			want:    `nodes { (a = 1) and (certname in facts[certname] { name = "x" limit 1 }) order by certname }`,
		},
		{
			name:    "modifiers without a block move into the new block",
			clauses: []string{"a = 1"},
			query:   "nodes[certname] order by certname limit 10",
			want:    "nodes[certname] { a = 1 order by certname limit 10 }",
		},
		{
			name:    "nested blocks stay inside the condition",
			clauses: []string{"a = 1"},
			query:   `resources { type = "Class" and nodes { facts { name = "x" } } }`,
			want:    `resources { (a = 1) and (type = "Class" and nodes { facts { name = "x" } }) }`,
		},
		{
			name:    "braces in strings are ignored",
			clauses: []string{"a = 1"},
			query:   `facts { value = "{not a block}" and name = 'x}' }`,
			want:    `facts { (a = 1) and (value = "{not a block}" and name = 'x}') }`,
		},
		{
			name:    "escaped quote inside string",
			clauses: []string{"a = 1"},
			query:   `facts { value = "say \"{hi\"" }`,
			want:    `facts { (a = 1) and (value = "say \"{hi\"") }`,
		},
		{
			name:    "multiple clauses keep insertion order",
			clauses: []string{"first = 1", "second = 2", "third = 3"},
			query:   "nodes { x = 0 }",
			want:    "nodes { (first = 1) and (second = 2) and (third = 3) and (x = 0) }",
		},
		{
			name:    "unbalanced braces fall back to appending",
			clauses: []string{"a = 1"},
			query:   "nodes { x = 1",
			want:    "nodes { x = 1 { a = 1 }",
		},
		{
			name:    "empty query passes through",
			clauses: []string{"a = 1"},
			query:   "",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewQueryFilter()
			for _, c := range tt.clauses {
				f.Add(c)
			}
			assert.Equal(t, tt.want, f.Apply(tt.query))
		})
	}
}

func TestQueryFilter_ContainsClausesAndPredicate(t *testing.T) {
	clauses := []string{DefaultNodeFilter, `certname ~ "^web"`, "report_environment = 'production'"}
	predicates := []string{`name = "os"`, "deactivated is null", `value > 3 and value < 10`}

	for _, pred := range predicates {
		f := NewQueryFilter()
		for _, c := range clauses {
			f.Add(c)
		}
		got := f.Apply("facts { " + pred + " }")

		assert.Contains(t, got, "("+pred+")")
		last := -1
		for _, c := range clauses {
			idx := strings.Index(got, "("+c+")")
			assert.Greater(t, idx, last, "clause %q out of order in %q", c, got)
			last = idx
		}
		assert.Equal(t, len(clauses), strings.Count(got, ") and ("))
	}
}

func TestQueryFilter_ClausesReturnsCopy(t *testing.T) {
	f := NewQueryFilter()
	f.Add("a = 1")

	got := f.Clauses()
	got[0] = "changed"

	assert.Equal(t, []string{"a = 1"}, f.Clauses())
}
