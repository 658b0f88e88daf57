// Package cmd implements the blackhole subcommands.
package cmd

import "grimm.is/blackhole/internal/i18n"

// Printer is used for all command output.
var Printer = i18n.NewCLIPrinter()
