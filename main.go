package main

import (
	"github.com/pharmetrics/auditload/cmd"
)

func main() {
	cmd.Execute()
}
