package main

import "github.com/MMw-Unibo/tempos4nfv/cmd"

func main() {
	cmd.Execute()
}
