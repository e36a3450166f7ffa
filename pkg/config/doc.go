// Package config loads the YAML configuration of the upgrade broker and
// the upgrade profiles used by the client.
//
// Broker configuration lives in /etc/upgrader/upgraderd.yaml by default:
//
//	socket:
//	  path: /run/upgrader/upgraderd.sock
//	  mode: "0660"
//	engine:
//	  driver: simulated
//	  scenario: /etc/upgrader/scenario.yaml
//	authority:
//	  mode: policy
//	  policy: /etc/upgrader/authz.rego
//	  watch: true
//	journal:
//	  enabled: true
//	  path: /var/lib/upgrader/journal.db
//	mirror_dir: /var/cache/upgrader
//	telemetry:
//	  logging:
//	    level: info
//	    output: /var/log/upgraderd.log
//
// Values not present in the file keep their defaults. Both documents are
// validated with go-playground/validator struct tags after decoding.
//
// A profile names the engine parameters and the repositories to register:
//
//	engine:
//	  db_path: /var/lib/pacman
//	  log_file: /var/log/pacman.log
//	  cache_dirs: [/var/cache/pacman/pkg]
//	  arch: x86_64
//	repositories:
//	  - name: core
//	    servers: ["https://mirror.example/$repo/os/$arch"]
package config
