package config

import (
	"os"
	"sync"
)

var detectContainer = sync.OnceValue(func() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
})

// inContainer is replaced in tests.
var inContainer = detectContainer

// resolveHost maps loopback hosts to the Docker host gateway when the datastore itself runs
// in a container, so a database or Redis on the developer machine stays reachable.
func resolveHost(host string) string {
	if !inContainer() {
		return host
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "host.docker.internal"
	}
	return host
}
