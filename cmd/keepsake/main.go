package main

import "github.com/keepsake-app/keepsake/internal/cli"

func main() {
	cli.Execute()
}
