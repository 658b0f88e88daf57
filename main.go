package main

import (
	"flag"
	"os"

	"grimm.is/blackhole/cmd"
	"grimm.is/blackhole/internal/brand"
)

var printer = cmd.Printer

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		startFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := checkFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		checkFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		verbose := checkFlags.Bool("verbose", false, "Print the effective configuration")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		if len(checkFlags.Args()) > 0 {
			*configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(*configFile, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "-version", "--version":
		cmd.RunVersion()

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  start     Run the record store in the foreground
            Options: --config (-c) <file>
            SIGHUP reloads privacy and log level and refreshes list decisions
  check     Validate configuration file
            Options: --config (-c) <file>, --verbose (-v)
  version   Print build information

Examples:
  %s start -c /etc/blackhole/blackhole.hcl
  %s check -v -c /etc/blackhole/blackhole.hcl
`,
		brand.Name, brand.Description,
		brand.LowerName,
		brand.LowerName, brand.LowerName)
}
