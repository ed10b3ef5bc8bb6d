package main

import (
	"fmt"
	"strings"

	"github.com/born-ml/caffegen/caffemodel"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// newPlainTable returns a bordered table with striped rows. Columns take the
// given alignments; the last one repeats for the remaining columns.
func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

func summaryTable(modelPath string, s caffemodel.Summary) *lgtable.Table {
	withBlobs := 0
	for _, l := range s.Layers {
		if len(l.Shapes) > 0 {
			withBlobs++
		}
	}
	t := newPlainTable(lipgloss.Right, lipgloss.Left)
	t.Row("model", modelPath)
	t.Row("net", s.Name)
	t.Row("# layers", humanize.Comma(int64(len(s.Layers))))
	t.Row("# layers with blobs", humanize.Comma(int64(withBlobs)))
	t.Row("# blobs", humanize.Comma(int64(s.Blobs)))
	t.Row("# parameters", humanize.Comma(s.Parameters))
	t.Row("# bytes", humanize.Bytes(uint64(s.Bytes))) //nolint:gosec // Sizes are non-negative
	t.Row("sha256", s.Digest)
	return t
}

func layersTable(s caffemodel.Summary) *lgtable.Table {
	t := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	t.Headers("Layer", "Type", "Blobs", "Parameters")
	for _, l := range s.Layers {
		if len(l.Shapes) == 0 {
			continue
		}
		t.Row(l.Name, l.Type, strings.Join(l.Shapes, " "), humanize.Comma(l.Parameters))
	}
	return t
}

func forwardTable(samples []caffemodel.BlobSample) *lgtable.Table {
	t := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Left)
	t.Headers("Blob", "Shape", "Count", "Values")
	for _, s := range samples {
		values := make([]string, len(s.Values))
		for i, v := range s.Values {
			values[i] = fmt.Sprintf("elem %d: %g", i, v)
		}
		t.Row(s.Name, fmt.Sprint(s.Shape), humanize.Comma(int64(s.Count)), strings.Join(values, "\n"))
	}
	return t
}
