package registry

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// scrubHTML empties <script>/<style> elements in place, mirroring the
// "built-in HTML scrubber" called for by the spec; whitespace is collapsed
// later, by textContent. No CSS-selector library (goquery et al.) appears
// anywhere in the exercised reference corpus, so extraction below walks the
// node tree built by html.Parse directly rather than reaching for an
// ungrounded dependency.
func scrubHTML(doc *html.Node) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			n.FirstChild = nil
			n.LastChild = nil
			return
		}
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			walk(c)
			c = next
		}
	}
	walk(doc)
}

// selectorPath is a minimal selector grammar: "tag", "tag.class",
// "tag#id", optionally suffixed with "@attr" to extract an attribute
// instead of text content. It covers the shapes a generic-adapter config
// realistically needs without depending on a CSS engine.
type selectorPath struct {
	tag   string
	class string
	id    string
	attr  string
}

func parseSelector(raw string) selectorPath {
	sel := raw
	var sp selectorPath
	if idx := strings.Index(sel, "@"); idx >= 0 {
		sp.attr = sel[idx+1:]
		sel = sel[:idx]
	}
	if idx := strings.Index(sel, "#"); idx >= 0 {
		sp.id = sel[idx+1:]
		sel = sel[:idx]
	}
	if idx := strings.Index(sel, "."); idx >= 0 {
		sp.class = sel[idx+1:]
		sel = sel[:idx]
	}
	sp.tag = sel
	return sp
}

func (sp selectorPath) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if sp.tag != "" && sp.tag != "*" && n.Data != sp.tag {
		return false
	}
	if sp.class != "" && !hasClass(n, sp.class) {
		return false
	}
	if sp.id != "" && attrOf(n, "id") != sp.id {
		return false
	}
	return true
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(attrOf(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func attrOf(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// findAll returns every node under root matching sp, in document order.
func findAll(root *html.Node, sp selectorPath) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if sp.matches(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// extractOne returns sp's text (or attribute) value from the first node
// under root that matches, or "" if none match.
func extractOne(root *html.Node, sp selectorPath) string {
	nodes := findAll(root, sp)
	if len(nodes) == 0 {
		return ""
	}
	return extractFrom(nodes[0], sp)
}

func extractFrom(n *html.Node, sp selectorPath) string {
	if sp.attr != "" {
		return strings.TrimSpace(attrOf(n, sp.attr))
	}
	return strings.TrimSpace(textContent(n))
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapseWhitespace(sb.String())
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// extractWithFallback tries each selector chain entry in order and returns
// the first non-empty extraction, matching the spec's fallback-chain rule.
func extractWithFallback(root *html.Node, chain []string) string {
	for _, raw := range chain {
		if v := extractOne(root, parseSelector(raw)); v != "" {
			return v
		}
	}
	return ""
}

// jsonPath is a minimal dot/bracket path walker over decoded JSON
// (map[string]interface{} / []interface{}), e.g. "data.items[0].title". No
// JSON-path library (gjson et al.) appears in the exercised reference
// corpus, so this is a small hand-rolled walker rather than an ungrounded
// dependency.
func jsonPath(root interface{}, path string) interface{} {
	cur := root
	for _, part := range strings.Split(path, ".") {
		if cur == nil {
			return nil
		}
		name, index, hasIndex := splitIndex(part)
		if name != "" {
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil
			}
			cur = m[name]
		}
		if hasIndex {
			arr, ok := cur.([]interface{})
			if !ok || index >= len(arr) || index < 0 {
				return nil
			}
			cur = arr[index]
		}
	}
	return cur
}

func splitIndex(part string) (name string, index int, hasIndex bool) {
	open := strings.Index(part, "[")
	if open < 0 {
		return part, 0, false
	}
	close := strings.Index(part, "]")
	if close < open {
		return part, 0, false
	}
	name = part[:open]
	n, err := strconv.Atoi(part[open+1 : close])
	if err != nil {
		return name, 0, false
	}
	return name, n, true
}

func jsonPathString(root interface{}, path string) string {
	v := jsonPath(root, path)
	s, _ := v.(string)
	return s
}

// jsonPathWithFallback mirrors extractWithFallback for JSON sources.
func jsonPathWithFallback(root interface{}, paths []string) string {
	for _, p := range paths {
		if v := jsonPathString(root, p); v != "" {
			return v
		}
	}
	return ""
}
