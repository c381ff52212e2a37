package repo

import "fmt"

// AmbiguousPrefixError reports a short ID matching more than one task. It is
// not fatal: callers surface the candidate list so the user can disambiguate.
type AmbiguousPrefixError struct {
	Prefix  string
	Matches []string
}

func (e *AmbiguousPrefixError) Error() string {
	return fmt.Sprintf("ambiguous task prefix %q matches %d tasks", e.Prefix, len(e.Matches))
}
