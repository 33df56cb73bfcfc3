// Package cmd implements the masseq command line.
package cmd

import (
	"os"

	"github.com/grailbio/base/grail"
	"v.io/x/lib/cmdline"
)

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "masseq",
		Short:    "MAS-seq long-read workflows and QC tools",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdRun(),
			newCmdMerge(),
			newCmdReport(),
			newCmdPlotConcat(),
			newCmdPlotReadLen(),
			newCmdPlotKnees(),
			newCmdPlotLigations(),
			newCmdFilterBarcodes(),
			newCmdSaturation(),
		},
	}
}

// Run parses the command line, runs the selected command and exits.
func Run() {
	shutdown := grail.Init()
	registerFiles()
	cmdline.HideGlobalFlagsExcept()
	err := cmdline.ParseAndRun(newCmdRoot(), cmdline.EnvFromOS(), os.Args[1:])
	shutdown()
	os.Exit(cmdline.ExitCode(err, os.Stderr))
}
