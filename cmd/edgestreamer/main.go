package main

import "github.com/bryanchriswhite/EdgeStreamer/cmd/edgestreamer/commands"

func main() {
	commands.Execute()
}
