package main

import "github.com/arcward/gemcord/cmd"

func main() {
	cmd.Execute()
}
