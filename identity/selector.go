package identity

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// selector is a parsed descendant chain such as ".up-info .name". Each link
// supports a subset of CSS: tag, #id, any number of .class, [attr] and
// [attr=val].
type selector []compound

type compound struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrVal string
	hasAttr bool
}

func parseSelector(s string) (selector, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty selector")
	}
	sel := make(selector, 0, len(parts))
	for _, p := range parts {
		c, err := parseCompound(p)
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", s, err)
		}
		sel = append(sel, c)
	}
	return sel, nil
}

func parseCompound(s string) (compound, error) {
	var c compound

	if idx := strings.IndexByte(s, '['); idx >= 0 {
		if !strings.HasSuffix(s, "]") {
			return c, fmt.Errorf("unterminated attribute in %q", s)
		}
		attr := s[idx+1 : len(s)-1]
		s = s[:idx]
		if eq := strings.IndexByte(attr, '='); eq >= 0 {
			c.attrKey = attr[:eq]
			c.attrVal = strings.Trim(attr[eq+1:], `"'`)
		} else {
			c.attrKey = attr
		}
		if c.attrKey == "" {
			return c, fmt.Errorf("empty attribute name in %q", s)
		}
		c.hasAttr = true
	}

	// Split on '.' and '#' while keeping the marker.
	i := 0
	for i < len(s) && s[i] != '.' && s[i] != '#' {
		i++
	}
	c.tag = strings.ToLower(s[:i])
	for i < len(s) {
		marker := s[i]
		j := i + 1
		for j < len(s) && s[j] != '.' && s[j] != '#' {
			j++
		}
		name := s[i+1 : j]
		if name == "" {
			return c, fmt.Errorf("empty name after %q", string(marker))
		}
		if marker == '#' {
			c.id = name
		} else {
			c.classes = append(c.classes, name)
		}
		i = j
	}
	return c, nil
}

func (c compound) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && c.tag != "*" && n.Data != c.tag {
		return false
	}
	if c.id != "" && attr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(attr(n, "class"))
		for _, want := range c.classes {
			if !contains(have, want) {
				return false
			}
		}
	}
	if c.hasAttr {
		v, ok := lookupAttr(n, c.attrKey)
		if !ok || (c.attrVal != "" && v != c.attrVal) {
			return false
		}
	}
	return true
}

// matches reports whether n matches the last link and its ancestors satisfy
// the earlier links in order.
func (sel selector) matches(n *html.Node) bool {
	last := len(sel) - 1
	if !sel[last].matches(n) {
		return false
	}
	i := last - 1
	for p := n.Parent; p != nil && i >= 0; p = p.Parent {
		if sel[i].matches(p) {
			i--
		}
	}
	return i < 0
}

// first returns the first node in document order matching sel, like
// document.querySelector.
func (sel selector) first(root *html.Node) *html.Node {
	var hit *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if sel.matches(n) {
			hit = n
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(root)
	return hit
}

// textContent concatenates all descendant text, like Node.textContent.
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
	return sb.String()
}

func attr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
