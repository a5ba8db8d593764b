// Package jsonq extracts values from JSON responses with jq expressions.
package jsonq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/itchyny/gojq"
)

// Query is a compiled jq expression.
type Query struct {
	expr string
	code *gojq.Code
}

// Compile parses and compiles expr.
func Compile(expr string) (*Query, error) {
	parsed, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jq query %q: %w", expr, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compile jq query %q: %w", expr, err)
	}
	return &Query{expr: expr, code: code}, nil
}

// MustCompile is Compile for expressions known at build time.
func MustCompile(expr string) *Query {
	q, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return q
}

// String returns the source expression.
func (q *Query) String() string {
	return q.expr
}

// Run returns every non-null result of the query over input.
func (q *Query) Run(ctx context.Context, input any) ([]any, error) {
	var results []any
	iter := q.code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if haltErr, ok := err.(*gojq.HaltError); ok && haltErr.Value() == nil {
				break
			}
			return nil, fmt.Errorf("jq %q: %w", q.expr, err)
		}
		if v != nil {
			results = append(results, v)
		}
	}
	return results, nil
}

// Strings runs the query and renders each result as text. Strings are
// returned as-is, numbers without exponent, anything else as JSON.
func (q *Query) Strings(ctx context.Context, input any) ([]string, error) {
	results, err := q.Run(ctx, input)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		s, err := text(r)
		if err != nil {
			return nil, err
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// First returns the first result as text, or "" when there is none.
func (q *Query) First(ctx context.Context, input any) (string, error) {
	all, err := q.Strings(ctx, input)
	if err != nil || len(all) == 0 {
		return "", err
	}
	return all[0], nil
}

// Decode parses a JSON document into the generic form gojq expects.
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return v, nil
}

func text(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("encode jq result: %w", err)
		}
		return string(b), nil
	}
}
