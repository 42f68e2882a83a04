// Package files finds cycler archives on disk.
//
// Discovery lists the archives of a directory, newest first, and expands
// command line arguments that mix archive paths and directories:
//
//	d := files.NewDiscovery(cfg.Server.ArchiveDir)
//	archives, err := d.FindArchives("")
//	paths, err := d.Expand([]string{"run.nda", "rig-3/"})
package files
