package main

import "github.com/agentregistry-dev/dirsync/pkg/cli"

func main() {
	cli.Execute()
}
