package main

import "github.com/vietddude/bootwatch/internal/cli"

func main() {
	cli.Execute()
}
