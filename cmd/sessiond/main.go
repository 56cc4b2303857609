package main

import (
	"github.com/cartavis/sessiond/pkg/cli"
)

func main() {
	cli.Execute()
}
