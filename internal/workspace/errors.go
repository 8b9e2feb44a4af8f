package workspace

import (
	"fmt"
	"strings"
)

// ExtractionError reports an archive that could not be turned into a usable
// module tree: bad format, entries escaping the root, or no .tf files.
type ExtractionError struct {
	Entry string
	Msg   string
}

func (e *ExtractionError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("extraction failed at %q: %s", e.Entry, e.Msg)
	}
	return "extraction failed: " + e.Msg
}

// VariablesError carries every schema violation found in the supplied
// variables, so one failed run names all problems at once.
type VariablesError struct {
	Violations []string
}

func (e *VariablesError) Error() string {
	return "variable validation failed: " + strings.Join(e.Violations, "; ")
}
