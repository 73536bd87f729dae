package sdk

import (
	"math"
	"strings"
)

type branchRank struct {
	name   string
	prefix bool
}

// git naming conventions only
var knownBranches = []branchRank{
	{"master", false},
	{"main", false},
	{"develop", false},
	{"hotfix/", true},
	{"release/", true},
	{"feature/", true},
}

// CompareBranches orders branch names so well known branches come first,
// otherwise case-insensitively. It is suitable for slices.SortFunc.
func CompareBranches(x, y string) int {
	xr, yr := rank(x), rank(y)
	switch {
	case xr < yr:
		return -1
	case xr > yr:
		return 1
	}
	return strings.Compare(strings.ToLower(x), strings.ToLower(y))
}

func rank(branch string) int {
	for i, known := range knownBranches {
		if known.prefix {
			if len(branch) >= len(known.name) && strings.EqualFold(branch[:len(known.name)], known.name) {
				return i
			}
			continue
		}
		if strings.EqualFold(branch, known.name) {
			return i
		}
	}
	return math.MaxInt
}
