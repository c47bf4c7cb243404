package webhook

import (
	"regexp"

	"github.com/tidwall/gjson"
)

// tokenPattern matches {{ path }} placeholders; path follows gjson's dotted
// path syntax (e.g. "node.fields.title.0").
var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate replaces every {{ path }} token in tmpl with the value found
// at that path in ctx (a JSON document), rendered as its plain text form.
// A path that resolves to nothing becomes an empty string rather than an
// error, since a webhook body is still useful with an absent optional
// field.
func Interpolate(tmpl string, ctx []byte) (string, error) {
	result := tokenPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := tokenPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		path := sub[1]
		value := gjson.GetBytes(ctx, path)
		if !value.Exists() {
			return ""
		}
		return value.String()
	})
	return result, nil
}
