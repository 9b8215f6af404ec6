// Package main is responsible for the main func of sniforward.  The actual
// work is done in the cmd package.
package main

import "github.com/ameshkov/sniforward/internal/cmd"

func main() {
	cmd.Main()
}
