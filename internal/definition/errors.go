package definition

import "strings"

// ValidationError aggregates definition validation issues so a malformed
// pipeline reports every problem at once.
type ValidationError struct {
	Pipeline string
	Issues   []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "pipeline definition invalid"
	}
	return "pipeline definition invalid: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
