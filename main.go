package main

import "github.com/dayuer/agentbus-go/cmd"

func main() {
	cmd.Execute()
}
