package main

import "optify/cmd/cli"

func main() {
	cli.Execute()
}
