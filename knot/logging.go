/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package knot

import (
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging routes the standard logger through a rotating file. File and
// line information is only worth the noise when someone is debugging, so it
// follows the verbose/debug switches.
func SetupLogging(logfile string) error {

	flags := log.Ltime
	if Globals.Verbose || Globals.Debug {
		flags |= log.Lshortfile
	}
	log.SetFlags(flags)

	if logfile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   logfile,
			MaxSize:    20,
			MaxBackups: 3,
			MaxAge:     14,
		})
	} else {
		log.Fatalf("Error: standard log (key log.file) not specified")
	}

	return nil
}
