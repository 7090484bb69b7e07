package provider

import (
	"strconv"
	"strings"
)

const maxToolNameLen = 64

// toolNames maps tool IDs to names accepted by APIs that restrict tool
// names to [a-zA-Z0-9_-]{1,64}, and back.
type toolNames struct {
	toAPI   map[string]string
	fromAPI map[string]string
}

func newToolNames(defs []ToolDefinition) toolNames {
	n := toolNames{
		toAPI:   make(map[string]string, len(defs)),
		fromAPI: make(map[string]string, len(defs)),
	}
	// IDs that are already valid keep their name so they cannot be
	// displaced by a rewritten one.
	for _, d := range defs {
		if safeToolName(d.Name) == d.Name {
			n.bind(d.Name, d.Name)
		}
	}
	for _, d := range defs {
		if _, ok := n.toAPI[d.Name]; ok {
			continue
		}
		base := safeToolName(d.Name)
		name := base
		for i := 2; ; i++ {
			if _, taken := n.fromAPI[name]; !taken {
				break
			}
			suffix := "_" + strconv.Itoa(i)
			name = base[:min(len(base), maxToolNameLen-len(suffix))] + suffix
		}
		n.bind(d.Name, name)
	}
	return n
}

func (n toolNames) bind(id, name string) {
	n.toAPI[id] = name
	n.fromAPI[name] = id
}

// definitions returns defs renamed for the API.
func (n toolNames) definitions(defs []ToolDefinition) []ToolDefinition {
	if len(defs) == 0 {
		return nil
	}
	out := make([]ToolDefinition, len(defs))
	for i, d := range defs {
		d.Name = n.toAPI[d.Name]
		out[i] = d
	}
	return out
}

// toolID returns the tool ID for an API name. Unknown names pass through.
func (n toolNames) toolID(name string) string {
	if id, ok := n.fromAPI[name]; ok {
		return id
	}
	return name
}

func safeToolName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() == maxToolNameLen {
			break
		}
	}
	if b.Len() == 0 {
		return "tool"
	}
	return b.String()
}
