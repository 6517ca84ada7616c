package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/kumaruseru/special-sub000/internal/daemon"
	"github.com/kumaruseru/special-sub000/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides CHATD_SESSION)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName}),
	)

	app.Run()
}
