package main

import "github.com/davidr/tptune/cmd"

func main() {
	cmd.Execute()
}
