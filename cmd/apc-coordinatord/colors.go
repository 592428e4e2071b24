package main

import "github.com/fatih/color"

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func statusLine(msg string) string { return blue(msg) }
func okLine(msg string) string     { return green(msg) }
func warnLine(msg string) string   { return yellow(msg) }
