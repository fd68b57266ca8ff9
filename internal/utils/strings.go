package utils

import (
	"strings"
	"unicode"
)

// ToSnakeCase converts a CamelCase identifier to snake_case: "BiasAdd" -> "bias_add", "ReduceSum" -> "reduce_sum".
// Runs of capitals are kept together as one word, so "HTTPServer" becomes "http_server".
func ToSnakeCase(s string) string {
	runes := []rune(s)
	var sb strings.Builder
	sb.Grow(len(s) + 4)
	for i, r := range runes {
		if !unicode.IsUpper(r) {
			sb.WriteRune(r)
			continue
		}
		if i > 0 && runes[i-1] != '_' {
			prevLower := !unicode.IsUpper(runes[i-1])
			endsAcronym := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || endsAcronym {
				sb.WriteByte('_')
			}
		}
		sb.WriteRune(unicode.ToLower(r))
	}
	return sb.String()
}
