package engine

import (
	"strings"
)

// builtinDenylist blocks stage names carrying script or SQL fragments. Config
// can extend the list but not shrink it.
var builtinDenylist = []string{
	"<script",
	"</script",
	"javascript:",
	"onerror=",
	"onload=",
	"drop table",
	"delete from",
	"insert into",
	"select *",
	"union select",
	"--",
	";",
}

func (e Engine) validateStageName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) < 3 || len(name) > 100 {
		return "", validationErr("name", "must be between 3 and 100 characters")
	}
	lower := strings.ToLower(name)
	patterns := builtinDenylist
	if e.Config != nil {
		patterns = append(patterns[:len(patterns):len(patterns)], e.Config.Denylist...)
	}
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return "", validationErr("name", "contains a blocked pattern")
		}
	}
	return name, nil
}
