package banner

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const logo = `
======================================================================
   .-.      .-.      .-.
  (   )----(   )----(   )     pjsipcore
   '-'      '-'      '-'
----------------------------------------------------------------------`

const footer = `======================================================================`

const (
	colorCyan  = "\x1b[36m"
	colorBold  = "\x1b[1m"
	colorReset = "\x1b[0m"
)

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the service name and configuration.
// Output is colorized when os.Stdout is attached to a terminal.
func Print(serviceName string, config []ConfigLine) {
	out := colorable.NewColorableStdout()
	color := isatty.IsTerminal(os.Stdout.Fd())
	write(out, serviceName, config, color)
}

func write(out io.Writer, serviceName string, config []ConfigLine, color bool) {
	logoText, nameText, footerText := logo, serviceName, footer
	if color {
		logoText = colorCyan + logo + colorReset
		nameText = colorBold + serviceName + colorReset
		footerText = colorCyan + footer + colorReset
	}

	fmt.Fprintln(out, logoText)
	fmt.Fprintf(out, "%s\n", nameText)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Fprintf(out, "  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Ready.")
	fmt.Fprintln(out, footerText)
	fmt.Fprintln(out)
}
