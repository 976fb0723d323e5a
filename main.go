package main

import "healthwatch/internal/cli"

func main() {
	cli.Execute()
}
