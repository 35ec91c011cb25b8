package sketch

import (
	"regexp"
	"strings"
)

// Metadata is read from the "Key: value" lines of a sketch's leading docstring.
type Metadata struct {
	Title       string   `json:"title"`
	Author      string   `json:"author,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

var metaField = regexp.MustCompile(`(?im)^\s*(title|author|description|tags):\s*(.+?)\s*$`)

// ParseMetadata extracts metadata from source. The title defaults to the
// name with underscores replaced by spaces.
func ParseMetadata(name, source string) Metadata {
	md := Metadata{Title: strings.ReplaceAll(name, "_", " ")}

	doc, ok := leadingDocstring(source)
	if !ok {
		return md
	}
	for _, m := range metaField.FindAllStringSubmatch(doc, -1) {
		value := m[2]
		switch strings.ToLower(m[1]) {
		case "title":
			md.Title = value
		case "author":
			md.Author = value
		case "description":
			md.Description = value
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					md.Tags = append(md.Tags, tag)
				}
			}
		}
	}
	return md
}

func leadingDocstring(source string) (string, bool) {
	s := strings.TrimSpace(source)
	for _, quote := range []string{`"""`, `'''`} {
		if !strings.HasPrefix(s, quote) {
			continue
		}
		rest := s[len(quote):]
		end := strings.Index(rest, quote)
		if end < 0 {
			return "", false
		}
		return rest[:end], true
	}
	return "", false
}
