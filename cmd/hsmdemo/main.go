// Command hsmdemo drives the turnstile and soda statecharts from the keyboard
// or from a YAML key script.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
