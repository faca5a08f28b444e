package node

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"
)

// setProcGroup puts a spawned worker in its own process group so a
// signal sent to the node controller's group (e.g. an interactive
// Ctrl-C) does not also race the controller's own graceful-shutdown
// signal delivery to each child individually.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
}
