package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
======================================================================
    _                    _   _ _
   / \   __ _  ___ _ __ | |_| (_)_ __   ___
  / _ \ / _` + "`" + ` |/ _ \ '_ \| __| | | '_ \ / _ \
 / ___ \ (_| |  __/ | | | |_| | | | | |  __/
/_/   \_\__, |\___|_| |_|\__|_|_|_| |_|\___|
        |___/
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the startup banner with the service name and configuration to w.
func Print(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "%s\n", serviceName)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		value := c.Value
		if value == "" {
			value = "-"
		}
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, padding, value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
