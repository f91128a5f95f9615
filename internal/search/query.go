package search

import (
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// knownFields are schema field names passed through untranslated; anything
// else is rewritten to json_payload.<key> (spec.md §4.4 "Unknown keys are
// translated to json_payload.<key>:<value>").
var knownFields = map[string]bool{
	"type":      true,
	"id":        true,
	"involved":  true,
	"timestamp": true,
}

// translateQuery parses the edge query grammar (free-text terms, key:value
// filters, is:<type>, assignee:me, quoted phrases, implicit AND) into a
// bleve query tree (spec.md §4.4 "Query language at the edge"). An empty
// or bare "*" query matches resource documents only; event documents are
// reached through explicit terms such as is:event.
func translateQuery(raw, user string) query.Query {
	var clauses []query.Query
	for _, tok := range tokenize(raw) {
		if tok == "*" {
			continue
		}
		clauses = append(clauses, translateTerm(tok, user))
	}
	if len(clauses) == 0 {
		resources := bleve.NewBooleanQuery()
		resources.AddMust(bleve.NewMatchAllQuery())
		resources.AddMustNot(termFor("type", "event"))
		return resources
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return bleve.NewConjunctionQuery(clauses...)
}

// tokenize splits on whitespace outside of double-quoted phrases, keeping
// quoted phrases (with their quotes) as single tokens.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ' ' && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func translateTerm(tok, user string) query.Query {
	field, value, hasField := splitField(tok)

	switch {
	case hasField && field == "is":
		return termFor("type", unquote(value))
	case hasField && field == "assignee":
		v := unquote(value)
		if v == "me" {
			v = user
		}
		return matchFor("json_payload.assignee", v)
	case hasField && knownFields[field]:
		return termFor(field, unquote(value))
	case hasField:
		return matchFor("json_payload."+field, unquote(value))
	default:
		return freeTextFor(unquote(tok))
	}
}

// splitField splits "key:value" on the first unquoted colon. A colon inside
// a quoted value (e.g. assignee:"a:b") is not treated as a field separator.
func splitField(tok string) (field, value string, ok bool) {
	if strings.HasPrefix(tok, "\"") {
		return "", tok, false
	}
	idx := strings.IndexByte(tok, ':')
	if idx <= 0 {
		return "", tok, false
	}
	return tok[:idx], tok[idx+1:], true
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"") {
		return s[1 : len(s)-1]
	}
	return s
}

func termFor(field, value string) query.Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

func matchFor(field, value string) query.Query {
	if strings.Contains(value, " ") {
		q := bleve.NewMatchPhraseQuery(value)
		q.SetField(field)
		return q
	}
	q := bleve.NewMatchQuery(value)
	q.SetField(field)
	return q
}

func freeTextFor(value string) query.Query {
	if strings.Contains(value, " ") {
		return bleve.NewMatchPhraseQuery(value)
	}
	return bleve.NewMatchQuery(value)
}
