// Command mqttd is a standalone MQTT 3.1.1 broker (design section 6): it
// parses flags/config/environment into a settings struct, builds a
// broker.Broker from them, and runs it until an interrupt or terminate
// signal asks it to shut down.
package main

import "os"

// version is overwritten at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Execute())
}
