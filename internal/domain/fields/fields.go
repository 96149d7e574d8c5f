// Package fields copies, renames and flattens JSON object fields.
// Every layout builds its rows through these helpers.
package fields

import (
	"sort"
	"strings"
	"unicode"

	"github.com/okian/rotor/internal/domain/model"
)

// Transfer copies every key of source that is not excluded into target.
// Nested objects are merged one level deep into an existing target object;
// when the target has no object under that key the value is assigned as a
// shallow copy. Nil values are skipped.
func Transfer(target, source map[string]any, exclude ...string) {
	transfer(target, source, exclude, false)
}

// TransferAsSnakeCase behaves like Transfer but renames each top-level key to
// snake_case before assignment.
func TransferAsSnakeCase(target, source map[string]any, exclude ...string) {
	transfer(target, source, exclude, true)
}

// TransferValue assigns value under key unless value is nil.
func TransferValue(target map[string]any, key string, value any) {
	if value == nil {
		return
	}
	target[key] = value
}

func transfer(target, source map[string]any, exclude []string, snake bool) {
	if target == nil || source == nil {
		return
	}
	for k, v := range source {
		if v == nil || excluded(k, exclude) {
			continue
		}
		key := k
		if snake {
			key = ToSnakeCase(k)
		}
		src := model.Object(v)
		if src == nil {
			target[key] = v
			continue
		}
		if dst := model.Object(target[key]); dst != nil {
			for nk, nv := range src {
				if nv != nil {
					dst[nk] = nv
				}
			}
			continue
		}
		cp := make(map[string]any, len(src))
		for nk, nv := range src {
			cp[nk] = nv
		}
		target[key] = cp
	}
}

func excluded(key string, exclude []string) bool {
	for _, e := range exclude {
		if e == key {
			return true
		}
	}
	return false
}

// ToSnakeCase converts camelCase, PascalCase, kebab-case and space separated
// keys to snake_case. Already snake-cased keys are returned unchanged.
func ToSnakeCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	var last rune
	for i, r := range runes {
		switch {
		case isSeparator(r):
			r = '_'
		case unicode.IsUpper(r):
			if i > 0 && needsSeparator(runes, i) && last != '_' {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		if r == '_' && last == '_' {
			continue
		}
		b.WriteRune(r)
		last = r
	}
	return b.String()
}

// needsSeparator reports whether an upper-case rune at i starts a new word.
// "userId" -> "user_id", "HTTPServer" -> "http_server".
func needsSeparator(runes []rune, i int) bool {
	prev := runes[i-1]
	if isSeparator(prev) || prev == '_' {
		return false
	}
	if unicode.IsLower(prev) || unicode.IsDigit(prev) {
		return true
	}
	return i+1 < len(runes) && unicode.IsLower(runes[i+1])
}

func isSeparator(r rune) bool {
	return r == '-' || r == ' ' || r == '.'
}

// Flatten turns nested objects into parent_child columns with snake-cased
// segments. Arrays and scalars are kept as values and empty nested objects
// are dropped. The input is not modified.
func Flatten(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	flattenInto(out, "", obj)
	return out
}

func flattenInto(out map[string]any, prefix string, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// sorted so that colliding columns ("userId", "user_id") resolve the same way every time
	sort.Strings(keys)
	for _, k := range keys {
		v := obj[k]
		key := ToSnakeCase(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		if nested := model.Object(v); nested != nil {
			flattenInto(out, key, nested)
			continue
		}
		if v == nil {
			continue
		}
		out[key] = model.CloneValue(v)
	}
}
