// pagemap writes the resident pages of a process, with the physical address
// backing each of them, to pid_<pid>_pagemap.json.
package main

import (
	"os"
	"path/filepath"

	"github.com/buildbuddy-io/snappager/enterprise/server/util/pagemap"
	"github.com/buildbuddy-io/snappager/server/config"
	"github.com/buildbuddy-io/snappager/server/util/flag"
	"github.com/buildbuddy-io/snappager/server/util/log"
)

var (
	pid       = flag.Int("pid", 0, "The process to inspect.")
	outputDir = flag.String("output_dir", ".", "Directory to write the page list to.")
	procRoot  = flag.String("proc_root", "/proc", "Mount point of procfs.")
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("Error loading config: %s", err)
	}
	if *pid <= 0 {
		log.Fatalf("--pid is required")
	}

	t := pagemap.NewTranslator()
	t.ProcRoot = *procRoot
	path := filepath.Join(*outputDir, pagemap.OutputFileName(*pid))
	f, err := os.Create(path)
	if err != nil {
		log.Fatalf("Error creating output file: %s", err)
	}
	n, err := t.WriteJSON(f, *pid)
	if err != nil {
		f.Close()
		log.Fatalf("Error translating process %d: %s", *pid, err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("Error writing %s: %s", path, err)
	}
	log.Infof("Wrote %d resident pages of process %d to %s", n, *pid, path)
}
