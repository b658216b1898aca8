package main

import "github.com/shizukutanaka/mamoru/cmd/mamoru/commands"

func main() {
	commands.Execute()
}
