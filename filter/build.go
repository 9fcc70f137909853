package filter

import (
	"encoding/xml"
	"strings"
)

// Criteria describes a selection in terms of CLI friendly lists. Entries of
// the same kind are ORed, different kinds are ANDed.
type Criteria struct {
	Tests      []string
	Names      []string
	Categories []string
	Packages   []string
	Exclude    []string // categories to leave out
}

// Build renders c as filter text. A zero Criteria yields Empty.
func Build(c Criteria) string {
	var b strings.Builder
	b.WriteString("<filter>")
	writeAny(&b, "test", c.Tests)
	writeAny(&b, "name", c.Names)
	writeAny(&b, "cat", c.Categories)
	writeAny(&b, "package", c.Packages)
	for _, cat := range c.Exclude {
		b.WriteString("<not>")
		writeLeaf(&b, "cat", cat)
		b.WriteString("</not>")
	}
	b.WriteString("</filter>")

	if b.Len() == len("<filter></filter>") {
		return Empty
	}
	return b.String()
}

func writeAny(b *strings.Builder, tag string, values []string) {
	if len(values) == 0 {
		return
	}
	b.WriteString("<or>")
	for _, v := range values {
		writeLeaf(b, tag, v)
	}
	b.WriteString("</or>")
}

func writeLeaf(b *strings.Builder, tag, value string) {
	b.WriteString("<" + tag + ">")
	_ = xml.EscapeText(b, []byte(value))
	b.WriteString("</" + tag + ">")
}
