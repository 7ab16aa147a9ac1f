// The main package for the pricewatch executable.
package main

import (
	"github.com/JakeFAU/realtime-price-watch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
