// Command nsboxctl builds and runs an nsbox sandbox from a config file and/or
// CLI flags.
package main

import "os"

func main() {
	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, hostEnvMap()))
}
