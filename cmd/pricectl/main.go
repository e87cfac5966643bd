// Command pricectl inspects and validates the pricing profiles the
// storefront charges from.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
