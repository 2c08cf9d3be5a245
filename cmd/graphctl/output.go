package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

var (
	red   = color.New(color.FgRed)
	green = color.New(color.FgGreen)
	cyan  = color.New(color.FgCyan)
	bold  = color.New(color.Bold)
	dim   = color.New(color.Faint)
)

func printError(w io.Writer, err error) {
	_, _ = red.Fprintf(w, "✗ %v\n", err)
}

func printSuccess(w io.Writer, format string, args ...any) {
	_, _ = green.Fprintf(w, "✓ "+format+"\n", args...)
}

func printHeader(w io.Writer, text string) {
	_, _ = bold.Fprintln(w, text)
	_, _ = fmt.Fprintln(w, strings.Repeat("=", len(text)))
}

func printField(w io.Writer, label string, value any) {
	_, _ = fmt.Fprintf(w, "%s %s\n", bold.Sprint(label+":"), cyan.Sprint(value))
}

func printItem(w io.Writer, text string, detail string) {
	if detail == "" {
		_, _ = fmt.Fprintf(w, "  %s\n", text)
	} else {
		_, _ = fmt.Fprintf(w, "  %s %s\n", text, dim.Sprint(detail))
	}
}
