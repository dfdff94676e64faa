package main

import "github.com/wmax/calsync/cmd/calsync/cmd"

func main() {
	cmd.Execute()
}
