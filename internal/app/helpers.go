package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

// ConfigureLogging sets every logger to level and keeps the libp2p
// subsystems that flood the terminal quiet.
func ConfigureLogging(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	if lvl < logging.LevelError {
		_ = logging.SetLogLevel("swarm2", "error")
	}
	if lvl < logging.LevelWarn {
		_ = logging.SetLogLevel("autonat", "warn")
	}
	return nil
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func logBanner(dir, cfgPath, self, partner string) {
	log.Info("────────────────────────────────────────")
	log.Info("Sanctuary")
	log.Infof(" Folder  : %s", dir)
	log.Infof(" Config  : %s", cfgPath)
	log.Infof(" You     : %s", self)
	log.Infof(" Partner : %s", partner)
	log.Info("────────────────────────────────────────")
}
