package main

import "fmt"

// version is set by the release tooling via -ldflags; "dev" otherwise.
var version = "dev"

// maybeVersion reports whether args invoked the version subcommand,
// in which case it has already run and the process should exit 0.
// There's no cobra subcommand dispatch here: the rest of the argument
// surface is parsed by parseArgs, since cobra's subcommand model
// cannot express "provider name, then an opaque argv tail", so a
// single recognized word is checked by hand instead.
func maybeVersion(args []string) bool {
	if len(args) != 1 || args[0] != "version" {
		return false
	}
	fmt.Printf("fleeting version %s\n", version)
	return true
}
