package main

import (
	"github.com/si64-net/si64/cmd/si64"
	_ "github.com/si64-net/si64/pkg/logger"
)

// Value is injected by the build.
var VERSION = "development"

func main() {
	si64.Execute(VERSION)
}
