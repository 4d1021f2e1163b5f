// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	ini "github.com/vaughan0/go-ini"
)

var (
	ErrIniNotFound = errors.New("not found")
)

type Settings struct {
	Home string // user home directory

	// default section
	Root      string // root directory for syncmon
	URL       string // remote server url
	AccessKey string // websocket subprotocol access key
	Keepalive int    // keepalive timeout in minutes
	Insecure  bool   // skip TLS peer verification

	// log section
	LogFile    string // log filename
	TimeFormat string // log time stamp format
	Debug      bool   // enable debug
}

const defaultConfigFileContent = `
# root directory for syncmon settings, keys etc
root = ~/.syncmon

# remote server url
# url = wss://sync.example.org:4040/engine

# access key presented as websocket subprotocol
# accesskey = baum42

# keepalive timeout in minutes, 0 disables the application ping
keepalive = 1

# skip TLS peer verification, for self signed test servers
# insecure = yes

[log]

# logfile contains log file name location
logfile = ~/.syncmon/syncmon.log

# timeformat for logging purposes
# see https://golang.org/pkg/time/#Time.Format for more details
timeformat = 15:04:05

# enable/disable debug output to log
debug = no
`

func ObtainSettings() (*Settings, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}
	// defaults
	s := Settings{
		Home: home,

		Root:      filepath.Join("~", ".syncmon"),
		Keepalive: 1,

		LogFile:    filepath.Join("~", ".syncmon", "syncmon.log"),
		TimeFormat: "15:04:05",
		Debug:      false,
	}

	// config file
	defaultConfFile := filepath.Join(s.Home, ".syncmon", "syncmon.conf")
	filename := flag.String("cfg", defaultConfFile, "config file")
	flag.Parse()

	// see if we are running for the first time with defaults
	fi, err := os.Stat(*filename)
	if err != nil {
		if os.IsNotExist(err) && *filename == defaultConfFile {
			fmt.Printf("Initial run, creating default config: %v\n",
				defaultConfFile)
			err = os.MkdirAll(filepath.Dir(defaultConfFile), 0700)
			if err != nil {
				return nil, err
			}
			err = os.WriteFile(defaultConfFile,
				[]byte(defaultConfigFileContent), 0600)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	} else if fi.IsDir() {
		return nil, fmt.Errorf("not a valid configuration file")
	}

	// parse file
	cfg, err := ini.LoadFile(*filename)
	if err != nil && *filename != flag.Lookup("cfg").DefValue {
		return nil, err
	}

	// root directory
	root, ok := cfg.Get("", "root")
	if ok {
		s.Root = root
	}
	s.Root, err = homedir.Expand(s.Root)
	if err != nil {
		return nil, err
	}

	url, ok := cfg.Get("", "url")
	if ok {
		s.URL = url
	}

	accessKey, ok := cfg.Get("", "accesskey")
	if ok {
		s.AccessKey = accessKey
	}

	keepalive, ok := cfg.Get("", "keepalive")
	if ok {
		_, err = fmt.Sscanf(keepalive, "%d", &s.Keepalive)
		if err != nil {
			return nil, fmt.Errorf("keepalive must be a number")
		}
	}

	err = iniBool(cfg, &s.Insecure, "", "insecure")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return nil, err
	}

	// logging and debug
	logFile, ok := cfg.Get("log", "logfile")
	if ok {
		s.LogFile = logFile
	}
	s.LogFile, err = homedir.Expand(s.LogFile)
	if err != nil {
		return nil, err
	}

	timeFormat, ok := cfg.Get("log", "timeformat")
	if ok {
		s.TimeFormat = timeFormat
	}

	err = iniBool(cfg, &s.Debug, "log", "debug")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return nil, err
	}

	return &s, nil
}

func iniBool(cfg ini.File, p *bool, section, key string) error {
	v, ok := cfg.Get(section, key)
	if ok {
		switch strings.ToLower(v) {
		case "yes":
			*p = true
			return nil
		case "no":
			*p = false
			return nil
		default:
			return fmt.Errorf("[%v]%v must be yes or no",
				section, key)
		}
	}
	return ErrIniNotFound
}
