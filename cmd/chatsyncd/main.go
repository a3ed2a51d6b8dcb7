package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/andrefmz/chatsync/internal/engine"
	"github.com/andrefmz/chatsync/internal/home"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := home.Resolve(*profileFlag)
	if err := home.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		engine.Module(engine.Params{Profile: profile}),
	)

	app.Run()
}
