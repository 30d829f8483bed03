package main

import "github.com/nextlevelbuilder/trialogue/cmd"

func main() {
	cmd.Execute()
}
