package main

import "github.com/MeKo-Tech/tilerunner/internal/cmd"

func main() {
	cmd.Execute()
}
