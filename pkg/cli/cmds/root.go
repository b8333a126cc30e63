// Package cmds assembles the command line surface of the stark binary.
package cmds

import (
	"fmt"
	"runtime"

	"github.com/urfave/cli/v2"

	"github.com/stark-io/stark/pkg/version"
)

var (
	Debug     bool
	DebugFlag = &cli.BoolFlag{
		Name:        "debug",
		Usage:       "(logging) Turn on debug logs",
		EnvVars:     []string{version.ProgramUpper + "_DEBUG"},
		Destination: &Debug,
	}
)

func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = version.Program
	app.Usage = "Orchestrator control plane for versioned JavaScript packs"
	app.Version = fmt.Sprintf("%s (%s)", version.Version, version.GitCommit)
	cli.VersionPrinter = func(ctx *cli.Context) {
		fmt.Printf("%s version %s\n", app.Name, app.Version)
		fmt.Printf("go version %s\n", runtime.Version())
	}
	app.Flags = []cli.Flag{
		DebugFlag,
	}
	return app
}
