// Command statsdump dumps the current counter values of a stats file in
// human-readable form: one line per (thread, counter) pair, formatted
// "[tid] name: value". See spec.md §6 for the full CLI contract.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kroki/stats/statsreader"
)

const usageText = `Usage: statsdump [OPTIONS] PATH

Options are:
  --version, -v    Print version and exit
  --help, -h       Print this message
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("statsdump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usageText) }

	version := fs.Bool("version", false, "print version and exit")
	versionShort := fs.Bool("v", false, "alias of --version")
	help := fs.Bool("help", false, "print this message")
	helpShort := fs.Bool("h", false, "alias of --help")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpShort {
		fmt.Fprint(stdout, usageText)
		return 0
	}
	if *version || *versionShort {
		fmt.Fprintln(stdout, "statsdump version 1.0.0")
		return 0
	}

	rest := fs.Args()
	if len(rest) != 1 {
		fs.Usage()
		return 1
	}

	samples, err := statsreader.Dump(rest[0])
	if err != nil {
		fmt.Fprintf(stderr, "statsdump: %v\n", err)
		return 1
	}
	for _, s := range samples {
		fmt.Fprintf(stdout, "[%d] %s: %d\n", s.TID, s.Name, s.Value)
	}
	return 0
}
