package vectorstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Filter selects rows by their JSONB metadata. A plain key matches rows
// whose metadata contains the key with that value. "$and" and "$or" take a
// list of filters, "$not" a single filter. Several keys are combined with
// AND.
type Filter map[string]interface{}

// args collects positional query arguments.
type args []interface{}

func (a *args) add(v interface{}) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

// where renders f as a SQL condition, appending its arguments to a. Keys are
// visited in sorted order so the same filter always yields the same SQL.
func (f Filter) where(a *args) (string, error) {
	if len(f) == 0 {
		return "TRUE", nil
	}

	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conditions []string
	for _, key := range keys {
		value := f[key]
		switch key {
		case "$and", "$or":
			subs, err := filterList(key, value)
			if err != nil {
				return "", err
			}
			if len(subs) == 0 {
				continue
			}
			parts := make([]string, 0, len(subs))
			for _, sub := range subs {
				cond, err := sub.where(a)
				if err != nil {
					return "", err
				}
				parts = append(parts, "("+cond+")")
			}
			op := " AND "
			if key == "$or" {
				op = " OR "
			}
			conditions = append(conditions, "("+strings.Join(parts, op)+")")

		case "$not":
			sub, ok := asFilter(value)
			if !ok {
				return "", fmt.Errorf("value for $not must be a JSON object")
			}
			cond, err := sub.where(a)
			if err != nil {
				return "", err
			}
			conditions = append(conditions, "NOT ("+cond+")")

		default:
			pair, err := json.Marshal(map[string]interface{}{key: value})
			if err != nil {
				return "", fmt.Errorf("failed to marshal metadata pair %s: %w", key, err)
			}
			conditions = append(conditions, "metadata @> "+a.add(pair))
		}
	}

	if len(conditions) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conditions, " AND "), nil
}

func asFilter(v interface{}) (Filter, bool) {
	switch m := v.(type) {
	case Filter:
		return m, true
	case map[string]interface{}:
		return Filter(m), true
	}
	return nil, false
}

func filterList(key string, v interface{}) ([]Filter, error) {
	switch list := v.(type) {
	case []Filter:
		return list, nil
	case []interface{}:
		out := make([]Filter, 0, len(list))
		for _, item := range list {
			f, ok := asFilter(item)
			if !ok {
				return nil, fmt.Errorf("item in %s list must be a JSON object", key)
			}
			out = append(out, f)
		}
		return out, nil
	}
	return nil, fmt.Errorf("value for %s must be a list of conditions", key)
}
