package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the subprocess in its own process group so a signal
// sent with signalGroup/killGroup reaches any children it spawns too,
// mirroring agent-cli-wrapper/internal/procattr's orphan-prevention setup.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(proc *os.Process, sig syscall.Signal) error {
	return syscall.Kill(-proc.Pid, sig)
}

func killGroup(proc *os.Process) error {
	return syscall.Kill(-proc.Pid, syscall.SIGKILL)
}
