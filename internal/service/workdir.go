package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

const maxNameLen = 100

// uniquePath creates an empty directory for name under root. When the name
// is taken, a counter suffix _1, _2, ... is appended.
func uniquePath(root, name string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("creating checkout root: %w", err)
	}
	base := filepath.Join(root, safeName(name))
	path := base
	for i := 1; ; i++ {
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("creating working copy: %w", err)
		}
		path = base + "_" + strconv.Itoa(i)
	}
}

// safeName turns s into a single path element.
func safeName(s string) string {
	ret := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	ret = strings.Trim(ret, ".")
	if r := []rune(ret); len(r) > maxNameLen {
		ret = string(r[:maxNameLen])
	}
	if ret == "" {
		return "_"
	}
	return ret
}
