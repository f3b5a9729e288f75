/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package knot

import "github.com/miekg/dns"

// ParseTsigKeys turns the configured TSIG keys into the secret map the
// dns.Server and dns.Client expect. The server verifies inbound signatures
// against this table and the query engine signs responses with the same key
// the request used.
func ParseTsigKeys(keyconf *KeyConf) (int, map[string]string) {
	numtsigs := len(keyconf.Tsig)
	if numtsigs == 0 {
		return 0, nil
	}
	tsigSecrets := make(map[string]string, numtsigs)
	for _, val := range keyconf.Tsig {
		tsigSecrets[dns.Fqdn(val.Name)] = val.Secret
	}
	return numtsigs, tsigSecrets
}
