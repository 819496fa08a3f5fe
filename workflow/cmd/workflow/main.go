package main

import (
	"os"

	_ "time/tzdata"

	"github.com/exportcontrol/caseflow/workflow/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
