package main

import (
	"github.com/backtesting-org/channel-settlement/internal/cli"
)

func main() {
	cli.Execute()
}
