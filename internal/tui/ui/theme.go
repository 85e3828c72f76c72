package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme is the palette shared by every view.
type Theme struct {
	BgColor     tcell.Color
	FgColor     tcell.Color
	BorderColor tcell.Color
	TitleColor  tcell.Color

	TableHeaderFg tcell.Color
	TableHeaderBg tcell.Color
	TableCursorFg tcell.Color
	TableCursorBg tcell.Color

	CrumbActiveFg   tcell.Color
	CrumbActiveBg   tcell.Color
	CrumbInactiveFg tcell.Color
	CrumbInactiveBg tcell.Color

	MenuKeyColor      tcell.Color
	NumericKeyColor   tcell.Color
	CounterColor      tcell.Color
	PromptBorderColor tcell.Color

	InfoColor  tcell.Color
	WarnColor  tcell.Color
	ErrorColor tcell.Color

	SelfColor       tcell.Color
	SenderColor     tcell.Color
	TimeColor       tcell.Color
	EmptyRangeColor tcell.Color
	GapColor        tcell.Color
}

// DefaultTheme is a dark palette with cyan chrome.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:     tcell.ColorBlack,
		FgColor:     tcell.ColorLightGray,
		BorderColor: tcell.ColorDarkCyan,
		TitleColor:  tcell.ColorAqua,

		TableHeaderFg: tcell.ColorWhite,
		TableHeaderBg: tcell.ColorBlack,
		TableCursorFg: tcell.ColorBlack,
		TableCursorBg: tcell.ColorDarkCyan,

		CrumbActiveFg:   tcell.ColorBlack,
		CrumbActiveBg:   tcell.ColorGold,
		CrumbInactiveFg: tcell.ColorBlack,
		CrumbInactiveBg: tcell.ColorDarkCyan,

		MenuKeyColor:      tcell.ColorAqua,
		NumericKeyColor:   tcell.ColorGold,
		CounterColor:      tcell.ColorWhite,
		PromptBorderColor: tcell.ColorAqua,

		InfoColor:  tcell.ColorLightGray,
		WarnColor:  tcell.ColorGold,
		ErrorColor: tcell.ColorRed,

		SelfColor:       tcell.ColorMediumSeaGreen,
		SenderColor:     tcell.ColorLightSkyBlue,
		TimeColor:       tcell.ColorGray,
		EmptyRangeColor: tcell.ColorDarkGoldenrod,
		GapColor:        tcell.ColorOrchid,
	}
}

// LevelColor picks the status line color of a notice level.
func (t *Theme) LevelColor(l Level) tcell.Color {
	switch l {
	case LevelWarn:
		return t.WarnColor
	case LevelError:
		return t.ErrorColor
	}
	return t.InfoColor
}

// Tag returns c as a tview color tag name.
func Tag(c tcell.Color) string {
	for name, val := range tcell.ColorNames {
		if val == c {
			return name
		}
	}
	return fmt.Sprintf("#%06x", c.Hex())
}
