package main

import "github.com/notargets/linsys/cmd"

func main() {
	cmd.Execute()
}
