// Package spawner launches agent processes with os/exec and wires their
// stdout/stderr into the structured logger. Spawner does not supervise
// the processes it launches; crash detection and heartbeat tracking are
// the Agent Registry's job.
package spawner
