package sdk

import (
	"fmt"
	"strings"
)

// Result is the ordered outcome of a report asset.
// Skipped < Success < Warning < Critical < Error
type Result int

const (
	// Skipped means the check did not evaluate the asset.
	Skipped Result = iota
	// Success means no issues were found.
	Success
	// Warning means one or more warnings were found.
	Warning
	// Critical means the check completed and found a critical code issue.
	Critical
	// Error means the check itself could not be completed.
	Error
)

var resultNames = [...]string{
	Skipped:  "skipped",
	Success:  "success",
	Warning:  "warning",
	Critical: "critical",
	Error:    "error",
}

func (r Result) String() string {
	if r < Skipped || r > Error {
		return fmt.Sprintf("result(%d)", int(r))
	}
	return resultNames[r]
}

// Max returns the more severe of the two results.
func (r Result) Max(other Result) Result {
	if other > r {
		return other
	}
	return r
}

func (r Result) MarshalText() ([]byte, error) {
	if r < Skipped || r > Error {
		return nil, fmt.Errorf("invalid result %d", int(r))
	}
	return []byte(resultNames[r]), nil
}

func (r *Result) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for i, name := range resultNames {
		if name == s {
			*r = Result(i)
			return nil
		}
	}
	return fmt.Errorf("unknown result %q", string(b))
}
