package main

import (
	"github.com/flowplugins/flowplugins/cmd"
)

func main() {
	cmd.Execute()
}
