package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

const ellipsis = "..."

// PadRight fits str into exactly width terminal cells, cutting it with an
// ellipsis when it is too wide. East Asian wide runes count as two cells.
func PadRight(str string, width int) string {
	if w := runewidth.StringWidth(str); w <= width {
		return str + strings.Repeat(" ", width-w)
	}
	return runewidth.Truncate(str, width, ellipsis)
}
