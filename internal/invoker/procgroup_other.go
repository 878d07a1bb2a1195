//go:build !unix

// ABOUTME: Process group handling for platforms without unix process groups
// ABOUTME: Falls back to killing only the direct child

package invoker

import "os/exec"

// configureProcessGroup is a no-op where process groups are unavailable;
// exec.CommandContext's default Cancel kills the direct child.
func configureProcessGroup(_ *exec.Cmd) {}
