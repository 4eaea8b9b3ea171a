package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/davidr/tptune/pkg/engine"
)

// trialFlag keeps a new turbo or power limit setting only for a while
var trialFlag time.Duration

// endTrial waits for trialFlag or a signal and then restores what the last apply
// replaced. It returns at once when no trial was asked for.
func endTrial(e *engine.Engine) error {
	if trialFlag <= 0 {
		return nil
	}
	prev := e.LastSnapshot()
	if prev == nil {
		return nil
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	fmt.Printf("restoring %s in %s (interrupt to restore now)\n", prev.Register, trialFlag)
	select {
	case <-time.After(trialFlag):
	case sig := <-sigChan:
		log.Infof("received %s, ending trial early", sig)
	}

	restored, err := e.RevertLast()
	if err != nil {
		return err
	}
	log.Debugf("restored %s", restored)
	fmt.Printf("%s restored\n", restored.Register)
	return nil
}
