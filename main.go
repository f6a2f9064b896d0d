package main

import "github.com/latacunga/incident-bus/cmd"

func main() {
	cmd.Execute()
}
