package main

import "github.com/nextup/nextup-estimation/cmd"

func main() {
	cmd.Execute()
}
