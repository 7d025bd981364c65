package main

import "github.com/tumibloom/discord--insight-bot/cmd"

func main() {
	cmd.Execute()
}
