/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gookit/goutil/dump"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// processConfigFile reads a YAML config file plus any included files. All
// includes must be a single array at the top level of the config:
//
//	include:
//	  - file1.yaml
//	  - file2.yaml
func processConfigFile(file string, baseDir string, depth int) (map[string]interface{}, error) {
	if depth > 10 {
		return nil, errors.New("maximum include depth exceeded (10 levels)")
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("error reading file %s: %v", file, err)
	}

	var config map[string]interface{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %v", err)
	}

	if includes, ok := config["include"].([]interface{}); ok {
		delete(config, "include")
		for _, inc := range includes {
			includeFile, ok := inc.(string)
			if !ok {
				continue
			}
			fullPath := includeFile
			if !filepath.IsAbs(includeFile) {
				fullPath = filepath.Join(baseDir, includeFile)
			}
			fullPath = filepath.Clean(fullPath)

			included, err := processConfigFile(fullPath, filepath.Dir(fullPath), depth+1)
			if err != nil {
				return nil, err
			}
			for k, v := range included {
				if existing, exists := config[k]; exists {
					if existingMap, ok1 := existing.(map[string]interface{}); ok1 {
						if newMap, ok2 := v.(map[string]interface{}); ok2 {
							for k2, v2 := range newMap {
								existingMap[k2] = v2
							}
							continue
						}
					}
				}
				config[k] = v
			}
		}
	}
	return config, nil
}

// ParseConfig loads the main config file into viper and unmarshals it into
// conf. With reload set, validation is skipped. SIGHUP and the API reload
// re-read zones only; they do not call ParseConfig.
func ParseConfig(conf *Config, reload bool) error {
	cfgfile := conf.Internal.CfgFile
	if cfgfile == "" {
		cfgfile = DefaultCfgFile
		conf.Internal.CfgFile = cfgfile
	}

	merged, err := processConfigFile(cfgfile, filepath.Dir(cfgfile), 0)
	if err != nil {
		return fmt.Errorf("ParseConfig: %v", err)
	}
	if err := viper.MergeConfigMap(merged); err != nil {
		return fmt.Errorf("ParseConfig: viper merge: %v", err)
	}

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(conf, decodeHook); err != nil {
		return fmt.Errorf("ParseConfig: unmarshal: %v", err)
	}

	if conf.Service.Debug != nil {
		Globals.Debug = *conf.Service.Debug
	}
	if conf.Service.Verbose != nil {
		Globals.Verbose = *conf.Service.Verbose
	}
	if Globals.Debug {
		dump.P(conf.Service, conf.DnsEngine, conf.Db)
	}

	if !reload {
		ValidateConfig(nil, cfgfile)
	}
	return nil
}

// ParseZones instantiates the configured zones and hands each to the
// refresher for its initial load. Returns the zone names seen.
func ParseZones(conf *Config, refreshq chan ZoneRefresher, reload bool) ([]string, error) {
	var zonelist []string

	ValidateZones(conf, conf.Internal.CfgFile)

	for zname, zconf := range conf.Zones {
		zconf.Name = FoldName(zname)
		if zconf.Name[len(zconf.Name)-1] != '.' {
			zconf.Name += "."
		}
		zonelist = append(zonelist, zconf.Name)

		if zd, exist := Zones.Get(zconf.Name); exist && reload {
			// Known zone: just schedule a refresh.
			refreshq <- ZoneRefresher{Name: zd.ZoneName}
			continue
		}

		zd, err := NewZoneData(&zconf)
		if err != nil {
			log.Printf("ParseZones: zone %s: %v", zconf.Name, err)
			continue
		}
		zd.Logger = log.Default()
		zd.Verbose = Globals.Verbose
		zd.Debug = Globals.Debug
		zd.Journal = conf.Internal.Journal
		Zones.Set(zd.ZoneName, zd)

		refreshq <- ZoneRefresher{Name: zd.ZoneName, ZoneType: zd.ZoneType}
	}

	log.Printf("ParseZones: %d zones configured: %v", len(zonelist), zonelist)
	return zonelist, nil
}

const DefaultCfgFile = "/etc/knotd/knotd.yaml"
