package main

import "github.com/martinemde/drowcoder/cli"

func main() {
	cli.Execute()
}
