package main

import "github.com/santif/jobsched/cli"

func main() {
	cli.Execute()
}
