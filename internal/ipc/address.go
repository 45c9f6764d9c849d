// Package ipc resolves the Unix-domain socket addresses shared by the
// master, proxy, and worker processes.
package ipc

import (
	"path/filepath"

	"github.com/sadewadee/dispatchd/internal/config"
)

// MasterAddress returns the path to the socket the proxy listens on for
// the master's control connection.
func MasterAddress(cfg *config.Config) string {
	return filepath.Join(cfg.IPC.AddressDirectory, cfg.IPC.MasterAddress)
}

// AdminAddress returns the path to the socket the proxy listens on for
// admin commands.
func AdminAddress(cfg *config.Config) string {
	return filepath.Join(cfg.IPC.AddressDirectory, cfg.IPC.AdminAddress)
}

// WorkerAddress returns the path to the socket the proxy listens on for
// workers of the given group.
func WorkerAddress(cfg *config.Config, groupID int) string {
	return filepath.Join(cfg.IPC.AddressDirectory, cfg.WorkerAddress(groupID))
}
