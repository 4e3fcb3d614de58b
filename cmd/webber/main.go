// Command webber is the CLI entry point; see cmd.Execute for the actual
// command wiring.
package main

import "github.com/drsoft-oss/webber/cmd"

func main() {
	cmd.Execute()
}
