package main

import "github.com/ZamarianPatrick/lazypig-plantcare/cmd"

func main() {
	cmd.Execute()
}
