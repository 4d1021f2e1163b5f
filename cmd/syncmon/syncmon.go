// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// syncmon connects a device to a relay server and prints every facade event
// it observes.  It is an observer for development and debugging, not a sync
// engine.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/fleetsync/fleetsync/connector"
	"github.com/fleetsync/fleetsync/debug"
	"github.com/fleetsync/fleetsync/keystore"
	"github.com/fleetsync/fleetsync/settings"
	"github.com/davecgh/go-spew/spew"
)

func _main() error {
	s, err := ObtainSettings()
	if err != nil {
		return err
	}

	err = os.MkdirAll(s.Root, 0700)
	if err != nil {
		return err
	}

	log, err := debug.New(s.LogFile, s.TimeFormat)
	if err != nil {
		return err
	}
	if s.Debug {
		log.EnableDebug()
	}

	sets, err := settings.Open(filepath.Join(s.Root, "sync.ini"))
	if err != nil {
		return err
	}

	c := connector.New(connector.Opts{
		Log:      log,
		Settings: sets,
		Store:    keystore.NewBoltStore(filepath.Join(s.Root, "keys.db")),
		Defaults: connector.RemoteConfig{
			URL:              s.URL,
			AccessKey:        s.AccessKey,
			KeepaliveTimeout: s.Keepalive,
		},
		InsecureSkipVerify: s.Insecure,
	})
	err = c.Initialize()
	if err != nil {
		return err
	}
	c.Start()

	fmt.Printf("syncmon: settings %v", spew.Sdump(s))

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt)

	for {
		select {
		case <-sigC:
			fmt.Printf("shutting down\n")
			c.Finalize()
		case ev := <-c.Events():
			switch e := ev.(type) {
			case connector.StateEvent:
				fmt.Printf("state: %v\n", e.State)
				if e.State == connector.RemoteReady {
					c.ListDevices()
				}
			case connector.DevicesListed:
				for _, d := range e.Devices {
					fmt.Printf("device %v %q fp %v\n",
						d.DeviceID, d.Name,
						hex.EncodeToString(d.Fingerprint))
				}
			case connector.DownloadData:
				fmt.Printf("change %v: %v bytes\n", e.ID,
					len(e.Data))
				c.DownloadDone(e.ID)
			case connector.LoginRequested:
				fmt.Printf("login request from %v %q fp %v\n",
					e.Device.DeviceID, e.Device.Name,
					hex.EncodeToString(e.Device.Fingerprint))
			case connector.ControllerError:
				fmt.Printf("error: %v\n", e.Message)
			case connector.Finalized:
				return nil
			default:
				fmt.Printf("event: %T%+v\n", ev, ev)
			}
		}
	}
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
