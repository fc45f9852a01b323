package guard

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/pmezard/go-difflib/difflib"
)

var (
	diffAddColor    = color.New(color.FgGreen)
	diffRemoveColor = color.New(color.FgRed)
	diffHunkColor   = color.New(color.FgCyan)
	diffFileColor   = color.New(color.Bold)
)

// UnifiedDiff returns a unified diff between the original and updated source, or "" when equal.
func UnifiedDiff(path string, original, updated []byte) (string, error) {
	if string(original) == string(updated) {
		return "", nil
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(original)),
		B:        difflib.SplitLines(string(updated)),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  2,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("diff failure %s: %w", path, err)
	}
	return text, nil
}

// WriteColorDiff writes a unified diff, coloring lines by their marker. Color is disabled automatically off a TTY.
func WriteColorDiff(w io.Writer, diff string) error {
	for _, line := range strings.SplitAfter(diff, "\n") {
		if line == "" {
			continue
		}
		var err error
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			_, err = diffFileColor.Fprint(w, line)
		case strings.HasPrefix(line, "@@"):
			_, err = diffHunkColor.Fprint(w, line)
		case strings.HasPrefix(line, "+"):
			_, err = diffAddColor.Fprint(w, line)
		case strings.HasPrefix(line, "-"):
			_, err = diffRemoveColor.Fprint(w, line)
		default:
			_, err = io.WriteString(w, line)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
