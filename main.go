package main

import "github.com/parlolabs/parlo/cmd"

func main() {
	cmd.Execute()
}
