// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/electrumwallet/internal/cfgutil"
	"github.com/btcsuite/electrumwallet/netparams"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "electrumwallet.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "electrumwallet.log"
	defaultSyncInterval   = time.Minute

	walletDbName = "wallet.db"
)

var (
	electrumwalletHomeDir = btcutil.AppDataDir("electrumwallet", false)
	defaultConfigFile     = filepath.Join(electrumwalletHomeDir, defaultConfigFilename)
	defaultDataDir        = electrumwalletHomeDir
	defaultLogDir         = filepath.Join(electrumwalletHomeDir, defaultLogDirname)
)

var activeNet = &netparams.MainNetParams

// localhostListeners is the set of hosts TLS may be disabled for without a
// proxy.
var localhostListeners = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

type config struct {
	// General application behavior
	ConfigFile  *cfgutil.ExplicitString `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool                    `short:"V" long:"version" description:"Display version information and exit"`
	Create      bool                    `long:"create" description:"Create the wallet if it does not exist"`
	DataDir     string                  `short:"b" long:"datadir" description:"Directory to store the wallet database"`
	TestNet3    bool                    `long:"testnet" description:"Use the test network (version 3) (default mainnet)"`
	TestNet4    bool                    `long:"testnet4" description:"Use the test network (version 4) (default mainnet)"`
	SimNet      bool                    `long:"simnet" description:"Use the simulation test network (default mainnet)"`
	DebugLevel  string                  `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string                  `long:"logdir" description:"Directory to log output."`
	Profile     string                  `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`

	// Electrum server options
	Server       string        `short:"c" long:"server" description:"Hostname/IP and port of the Electrum server to connect to, overriding the server stored in the wallet for this session"`
	DisableTLS   bool          `long:"notls" description:"Disable TLS for the Electrum connection -- NOTE: This is only allowed if connecting to localhost or through a proxy"`
	Proxy        string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	SyncInterval time.Duration `long:"syncinterval" description:"Interval between chain tip polls while synchronized"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(electrumwalletHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// checkServerTLS returns an error when TLS is disabled for a server that is
// neither localhost nor reached through a proxy.  Electrum servers behind
// Tor are addressed through the proxy, so the proxy setting exempts the
// check.
func (cfg *config) checkServerTLS(server string) error {
	if !cfg.DisableTLS || cfg.Proxy != "" {
		return nil
	}
	host, _, err := net.SplitHostPort(server)
	if err != nil {
		return fmt.Errorf("server address '%s' is invalid: %v",
			server, err)
	}
	if _, ok := localhostListeners[host]; !ok {
		return fmt.Errorf("the --notls option may not be used when "+
			"connecting to non localhost addresses: %s", server)
	}
	return nil
}

// defaultServerPort returns the conventional Electrum port for the active
// network, honoring the TLS setting.
func (cfg *config) defaultServerPort() string {
	if cfg.DisableTLS {
		return activeNet.ElectrumTCPPort
	}
	return activeNet.ElectrumSSLPort
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in electrumwallet functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		DebugLevel:   defaultLogLevel,
		ConfigFile:   cfgutil.NewExplicitString(defaultConfigFile),
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		SyncInterval: defaultSyncInterval,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.  When the config file path was not
	// set explicitly but a non-default data directory was, look for the
	// config file inside that directory instead.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := preCfg.ConfigFile.Value
	if preCfg.ConfigFile.ExplicitlySet() {
		configFilePath = cleanAndExpandPath(configFilePath)
	} else if preCfg.DataDir != defaultDataDir {
		configFilePath = filepath.Join(
			cleanAndExpandPath(preCfg.DataDir), defaultConfigFilename,
		)
	}
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.TestNet4 {
		activeNet = &netparams.TestNet4Params
		numNets++
	}
	if cfg.SimNet {
		activeNet = &netparams.SimNetParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: the testnet, testnet4, and simnet params can't be " +
			"used together -- choose one"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Expand environment variables and leading ~ for filepaths.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After the log rotation has been
	// initialized, the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	// Validate profile port number.
	if cfg.Profile != "" {
		profilePort, err := strconv.Atoi(cfg.Profile)
		if err != nil || profilePort < 1024 || profilePort > 65535 {
			str := "%s: the profile port must be between 1024 and 65535"
			err := fmt.Errorf(str, funcName)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	}

	if cfg.SyncInterval <= 0 {
		str := "%s: the syncinterval option must be positive"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Ensure the wallet exists or create it when the create flag is set.
	netDir := networkDir(cfg.DataDir, activeNet.Params)
	dbPath := filepath.Join(netDir, walletDbName)
	dbFileExists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.Create {
		// Error if the create flag is set and the wallet already
		// exists.
		if dbFileExists {
			err := fmt.Errorf("the wallet database file `%v` "+
				"already exists", dbPath)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

		// Ensure the data directory for the network exists.
		if err := checkCreateDir(netDir); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

		// Perform the initial wallet creation wizard.
		if err := createWallet(&cfg); err != nil {
			fmt.Fprintln(os.Stderr, "Unable to create wallet:", err)
			return nil, nil, err
		}

		// Created successfully, so exit now with success.
		os.Exit(0)
	} else if !dbFileExists {
		err := fmt.Errorf("The wallet does not exist.  Run with the " +
			"--create option to initialize and create it.")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Add the default port for the active network when a session server
	// override is given without one.  The stored server is validated when
	// the wallet is opened.
	if cfg.Server != "" {
		cfg.Server, err = cfgutil.NormalizeAddress(cfg.Server,
			cfg.defaultServerPort())
		if err != nil {
			fmt.Fprintf(os.Stderr,
				"Invalid server network address: %v\n", err)
			return nil, nil, err
		}
		if err := cfg.checkServerTLS(cfg.Server); err != nil {
			err := fmt.Errorf("%s: %v", funcName, err)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	}

	return &cfg, remainingArgs, nil
}
