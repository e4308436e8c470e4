package router

import (
	"sort"
	"strings"

	kit "relaybot/internal/transport"
)

const (
	menuNameMax = 32
	menuDescMax = 256
	menuMax     = 100
)

// sanitizeCommand maps s onto Telegram's command alphabet [a-z0-9_]{1,32}.
// Separators become one underscore, anything else is dropped.
func sanitizeCommand(s string) string {
	var b strings.Builder
	under := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			under = false
		case r == '_' || r == '-' || r == ' ' || r == '/' || r == '\t':
			if b.Len() > 0 && !under {
				b.WriteByte('_')
				under = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > menuNameMax {
		out = strings.TrimRight(out[:menuNameMax], "_")
	}
	return out
}

// menuName is the menu form of a route: ["task","pause"] -> "task_pause".
func menuName(route []string) (string, bool) {
	out := sanitizeCommand(strings.Join(route, "_"))
	return out, out != ""
}

func lockPrefix(a Access) string {
	if a == AccessOwnerOnly {
		return "🔒 "
	}
	return ""
}

// buildMenu lists top-level commands first, then the underscore shortcuts
// of nested routes, capped at Telegram's 100 entries.
func buildMenu(root *node, leaves []Command) []kit.MenuCommand {
	type entry struct {
		desc string
		prio int
	}
	byName := map[string]entry{}
	add := func(name, desc string, prio int) {
		name = sanitizeCommand(name)
		if name == "" {
			return
		}
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = name
		}
		if len(desc) > menuDescMax {
			desc = desc[:menuDescMax]
		}
		if cur, ok := byName[name]; ok && cur.prio <= prio {
			return
		}
		byName[name] = entry{desc: desc, prio: prio}
	}

	for _, name := range root.childNames() {
		n, _ := root.child(name)
		add(name, lockPrefix(n.access())+describe(n), 0)
	}
	for _, c := range leaves {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		if name, ok := menuName(route); ok {
			desc := c.Description
			if desc == "" {
				desc = strings.Join(route, " ")
			}
			add(name, lockPrefix(c.Access)+desc, 1)
		}
	}

	names := make([]string, 0, len(byName))
	for k := range byName {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := byName[names[i]], byName[names[j]]
		if a.prio != b.prio {
			return a.prio < b.prio
		}
		return names[i] < names[j]
	})
	if len(names) > menuMax {
		names = names[:menuMax]
	}
	out := make([]kit.MenuCommand, 0, len(names))
	for _, n := range names {
		out = append(out, kit.MenuCommand{Command: n, Description: byName[n].desc})
	}
	return out
}
