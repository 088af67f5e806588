package main

import (
	"github.com/flexwatch/flexwatch/cmd/flexwatch/commands"
)

func main() {
	commands.Execute()
}
