/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/minipiorg/knot/knot"
)

var appVersion string

func mainloop(ctx context.Context, cancel context.CancelFunc, conf *knot.Config) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		for {
			select {
			case <-exit:
				log.Println("mainloop: Exit signal received. Cleaning up.")
				cancel()
				wg.Done()
				return
			case <-hupper:
				log.Println("mainloop: SIGHUP received. Forcing refresh of all configured zones.")
				_, err := knot.ParseZones(conf, conf.Internal.RefreshZoneCh, true)
				if err != nil {
					log.Printf("mainloop: error parsing zones: %v", err)
				}
			case <-conf.Internal.APIStopCh:
				log.Println("mainloop: Stop command received. Cleaning up.")
				cancel()
				wg.Done()
				return
			}
		}
	}()
	wg.Wait()

	fmt.Println("mainloop: leaving signal dispatcher")
}

func main() {
	var conf knot.Config

	cfgfile := pflag.StringP("config", "c", knot.DefaultCfgFile, "config file")
	verbose := pflag.BoolP("verbose", "v", false, "verbose output")
	debug := pflag.BoolP("debug", "d", false, "debug output")
	pflag.Parse()

	knot.Globals.Verbose = *verbose
	knot.Globals.Debug = *debug
	knot.Globals.App = knot.AppDetails{Name: "knotd", Version: appVersion}

	conf.Internal.CfgFile = *cfgfile
	if err := knot.ParseConfig(&conf, false); err != nil {
		log.Fatalf("Error parsing config %q: %v", *cfgfile, err)
	}

	logfile := viper.GetString("log.file")
	knot.SetupLogging(logfile)
	fmt.Printf("Logging to file: %s\n", logfile)
	fmt.Printf("knotd version %s starting.\n", appVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if conf.Db.File != "" {
		journal, err := knot.NewJournal(conf.Db.File)
		if err != nil {
			log.Fatalf("Error opening journal: %v", err)
		}
		conf.Internal.Journal = journal
		defer journal.Close()
	}

	_, tsigSecrets := knot.ParseTsigKeys(&conf.Keys)
	conf.Internal.TsigSecrets = tsigSecrets

	conf.Internal.RefreshZoneCh = make(chan knot.ZoneRefresher, 10)
	conf.Internal.DnsNotifyQ = make(chan knot.NotifyRequest, 10)
	conf.Internal.APIStopCh = make(chan struct{})

	go knot.RefreshEngine(ctx, &conf)
	go knot.NotifyResponder(ctx, &conf)

	if _, err := knot.ParseZones(&conf, conf.Internal.RefreshZoneCh, false); err != nil {
		log.Fatalf("Error parsing zones: %v", err)
	}

	go knot.APIdispatcher(&conf, conf.Internal.APIStopCh)

	if err := knot.DnsEngine(ctx, &conf); err != nil {
		log.Fatalf("Error starting DNS engine: %v", err)
	}

	mainloop(ctx, cancel, &conf)
}
