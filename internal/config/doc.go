// Package config provides configuration types and loading for the
// intercepting proxy.
//
// A configuration file describes the TLS listener, where the server
// certificate comes from, and the ambient observability and Vault settings.
// ToServerConfig resolves every key and certificate reference (files,
// inline PEM, base64 DER or Vault KV fields) into a tls.ServerConfig. A file
// containing a PEM header is read as PEM; any other file is read as one
// binary DER document.
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("avamitm.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    log.Fatal(err)
//	}
//
// Values of the form ${VAR} and ${VAR:-default} are substituted from the
// environment before parsing.
//
// # File Watching
//
// The watcher reloads when the configuration file or any referenced key or
// certificate file changes:
//
//	watcher, err := config.NewWatcher(path, func(cfg *config.ProxyConfig) {
//	    // rebuild the acceptor
//	}, config.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = watcher.Start(ctx)
package config
