package main

import "insightstream/internal/cli"

func main() {
	cli.Execute()
}
