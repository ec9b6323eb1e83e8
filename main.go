package main

import "github.com/andresmejia3/segbox/cmd"

func main() {
	cmd.Execute()
}
