package main

import "imagery-timeloop/cmd"

func main() {
	cmd.Execute()
}
