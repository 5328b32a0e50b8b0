package main

import "github.com/vietddude/retryq/internal/cli"

func main() {
	cli.Execute()
}
