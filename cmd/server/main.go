package main

import "github.com/TheGojiOG/LocalSM/internal/cli"

func main() {
	cli.Execute()
}
