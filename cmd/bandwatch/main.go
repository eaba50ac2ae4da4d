package main

import "bandwatch/internal/cli"

func main() {
	cli.Execute()
}
