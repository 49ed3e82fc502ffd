package main

import "github.com/tanq16/danzoq/cmd"

func main() {
	cmd.Execute()
}
