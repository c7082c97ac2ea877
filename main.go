package main

import "github.com/kinship-social/apiserver/cmd"

func main() {
	cmd.Execute()
}
