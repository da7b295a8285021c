package main

import "github.com/Tsubasa-Ino/tv-watch-tracker/cmd"

func main() {
	cmd.Execute()
}
