package main

import "github.com/andresmejia3/frontline/cmd"

func main() {
	cmd.Execute()
}
