/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppDetails
	Service   ServiceConf
	DnsEngine DnsEngineConf
	ApiServer ApiServerConf
	Zones     map[string]ZoneConf
	Db        DbConf
	Log       struct {
		File string `validate:"required"`
	}
	Keys     KeyConf
	Internal InternalConf
}

type ServiceConf struct {
	Name    string `validate:"required"`
	Debug   *bool
	Verbose *bool
}

type DnsEngineConf struct {
	Addresses       []string      `validate:"required"`
	RefreshInterval time.Duration `mapstructure:"refreshinterval"`
}

type ApiServerConf struct {
	Addresses []string
	ApiKey    string
}

type DbConf struct {
	File string
}

// ZoneConf is the external config for one zone; it carries no zone data.
type ZoneConf struct {
	Name        string `validate:"required"`
	Zonefile    string
	Type        string `validate:"required"` // primary | secondary
	Primary     string // upstream, for secondary zones
	Notify      []string
	OptionsStrs []string     `yaml:"options" mapstructure:"options"`
	Options     []ZoneOption `yaml:"-"`
}

type KeyConf struct {
	Tsig []TsigConf
}

type TsigConf struct {
	Name      string
	Algorithm string
	Secret    string
}

type InternalConf struct {
	CfgFile       string
	Journal       *Journal
	RefreshZoneCh chan ZoneRefresher
	DnsNotifyQ    chan NotifyRequest
	TsigSecrets   map[string]string
	APIStopCh     chan struct{}
}

func ValidateConfig(v *viper.Viper, cfgfile string) error {
	var config Config

	if v == nil {
		if err := viper.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	} else {
		if err := v.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	}

	var configsections = make(map[string]interface{}, 5)
	configsections["log"] = config.Log
	configsections["service"] = config.Service
	configsections["dnsengine"] = config.DnsEngine

	if err := ValidateBySection(&config, configsections, cfgfile); err != nil {
		log.Fatalf("Config %q is missing required attributes:\n%v\n", cfgfile, err)
	}
	return nil
}

func ValidateZones(c *Config, cfgfile string) error {
	var zones = make(map[string]interface{}, 5)

	// Cannot validate a map[string]foobar, must validate the individual foobars:
	for zname, val := range c.Zones {
		zones["zone:"+zname] = val
	}

	if err := ValidateBySection(c, zones, cfgfile); err != nil {
		log.Fatalf("Config %q is missing required attributes:\n%v\n", cfgfile, err)
	}
	return nil
}

func ValidateBySection(config *Config, configsections map[string]interface{}, cfgfile string) error {
	validate := validator.New()

	for k, data := range configsections {
		log.Printf("%s: Validating config for %s section", strings.ToUpper(config.Service.Name), k)
		if err := validate.Struct(data); err != nil {
			log.Fatalf("%s: Config %s, section %s: missing required attributes:\n%v\n",
				strings.ToUpper(config.Service.Name), cfgfile, k, err)
		}
	}
	return nil
}
