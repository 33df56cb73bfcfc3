// masseq runs the MAS-seq long-read workflows and their QC tools.
//
// Usage: masseq <command> [flags] [args]
//
// Run "masseq help" for the list of commands.
package main

import "github.com/grailbio/masseq/cmd/masseq/cmd"

func main() {
	cmd.Run()
}
