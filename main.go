package main

import "trackingest/cmd"

func main() {
	cmd.Execute()
}
