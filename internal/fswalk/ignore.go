package fswalk

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// ignoreSet holds the simple glob patterns read from one directory's
// .gitignore, matched against a path's basename (files and directories
// alike, a trailing '/' stripped, no negation, no nested-path patterns
// — a deliberately small
// subset of gitignore syntax, enough to keep vendor/.git/node_modules
// style trees out of a scan).
type ignoreSet struct {
	patterns []string
}

func loadIgnore(dir string) *ignoreSet {
	f, err := os.Open(filepath.Join(dir, ".gitignore"))
	if err != nil {
		return &ignoreSet{}
	}
	defer f.Close()

	ig := &ignoreSet{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		ig.patterns = append(ig.patterns, strings.TrimSuffix(line, "/"))
	}
	return ig
}

func (ig *ignoreSet) match(path string) bool {
	if ig == nil {
		return false
	}
	base := filepath.Base(path)
	for _, p := range ig.patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}
