// Package coordinator tracks one remote worker process per interpreter group.
// It launches workers through a launcher.Launcher, talks to them over RPC,
// records them for recovery and reattaches to live ones after a restart.
package coordinator
