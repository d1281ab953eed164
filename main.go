package main

import "github.com/shouni/go-web-watch/cmd"

func main() {
	cmd.Execute()
}
