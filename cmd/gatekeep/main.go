package main

import "github.com/jmcleod/gatekeep/cmd/gatekeep/cmd"

func main() {
	cmd.Execute()
}
