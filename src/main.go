package main

import "github.com/Toss-Online-Services/pgoptimizer/src/cli"

func main() {
	cli.Execute()
}
