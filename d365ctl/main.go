package main

import "github.com/natserract/d365/d365ctl/cmd"

func main() {
	cmd.Execute()
}
