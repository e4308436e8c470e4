package router

import (
	"html"
	"strings"
)

// helpText renders help for path in Telegram HTML. Owner-only commands are
// listed to owners only.
func (m *CommandManager) helpText(path []string, admin bool) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root, admin)
	}
	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.TrimPrefix(p, "/")
		next, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && leaf.cmd != nil {
				return helpNode(leaf, splitRoute(leaf.cmd.Route), admin)
			}
			return "❓ <b>Unknown command</b>\nSend <code>/help</code> for the command list."
		}
		cur = next
		full = append(full, p)
	}
	return helpNode(cur, full, admin)
}

func helpTop(root *node, admin bool) string {
	lines := []string{
		"📚 <b>Commands</b>",
		"Send <code>/help &lt;command&gt;</code> for details.",
		"",
	}
	var locked []string
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		a := n.access()
		if a == AccessOwnerOnly && !admin {
			continue
		}
		line := "• <code>/" + html.EscapeString(name) + "</code>"
		if d := describe(n); d != "" {
			line += " - " + html.EscapeString(d)
		}
		if a == AccessOwnerOnly {
			locked = append(locked, "• 🔒"+strings.TrimPrefix(line, "•"))
			continue
		}
		lines = append(lines, line)
	}
	if len(locked) > 0 {
		lines = append(lines, "", "<b>Owner</b>")
		lines = append(lines, locked...)
	}
	return strings.Join(lines, "\n")
}

func helpNode(cur *node, full []string, admin bool) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(strings.Join(full, " ")) + "</code>"}

	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 <i>owners only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if short := shortcuts(*c); len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	}

	if len(cur.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			a := n.access()
			if a == AccessOwnerOnly && !admin {
				continue
			}
			line := "• " + lockPrefix(a) + "<code>/" + html.EscapeString(strings.Join(append(append([]string(nil), full...), name), " ")) + "</code>"
			if d := describe(n); d != "" {
				line += " - " + html.EscapeString(d)
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// describe is a node's description, or a hint of its first subcommands.
func describe(n *node) string {
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	if len(kids) > 3 {
		return strings.Join(kids[:3], ", ") + ", …"
	}
	return strings.Join(kids, ", ")
}

func shortcuts(c Command) []string {
	var out []string
	if name, ok := menuName(splitRoute(c.Route)); ok && strings.Contains(strings.TrimSpace(c.Route), " ") {
		out = append(out, name)
	}
	for _, a := range c.Aliases {
		if a = strings.TrimSpace(a); a != "" && !strings.ContainsAny(a, " \t") {
			out = append(out, a)
		}
	}
	return out
}
