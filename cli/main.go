package main

import (
	"github.com/meshtalk/meshtalk/cli/cmd"
	"github.com/meshtalk/meshtalk/cli/internal/logging"
)

func main() {
	logging.Init()
	cmd.Execute()
}
