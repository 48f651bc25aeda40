package main

import "github.com/nextlevelbuilder/funnelgate/cmd"

func main() {
	cmd.Execute()
}
