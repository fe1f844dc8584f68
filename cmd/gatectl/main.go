package main

import "MKK-Gate/cmd/gatectl/cmd"

func main() {
	cmd.Execute()
}
